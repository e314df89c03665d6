package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/nexusio/nexus/version"
)

const (
	userAgent = "Nexus updater/%s"

	DefaultAttempts     = 3
	DefaultRetryDelay   = 5 * time.Second
	DefaultTimeout      = 60 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// ErrInsufficientSpace is returned when the destination volume cannot hold the download
var ErrInsufficientSpace = errors.New("insufficient disk space")

// StatusError is returned for non 200 responses
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d", e.Code)
}

// Retryable reports whether the response is worth another attempt. Only server errors are.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 && e.Code <= 599
}

// Decrypter reveals encrypted configuration values
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Downloader fetches remote artifacts to local files. Calls to Fetch are serialized.
type Downloader struct {
	mu  sync.Mutex
	log *log.Entry

	proxyMu   sync.RWMutex
	proxy     *ProxyConfig
	decrypter Decrypter

	attempts     int
	retryDelay   time.Duration
	timeout      time.Duration
	probeTimeout time.Duration

	freeSpace func(dir string) (uint64, error)
}

// Option configures a Downloader
type Option func(*Downloader)

// WithRetry overrides the attempt count and the delay between attempts
func WithRetry(attempts int, delay time.Duration) Option {
	return func(d *Downloader) {
		if attempts < 1 {
			attempts = 1
		}
		d.attempts = attempts
		d.retryDelay = delay
	}
}

// WithTimeout overrides the per attempt and probe timeouts
func WithTimeout(timeout, probeTimeout time.Duration) Option {
	return func(d *Downloader) {
		d.timeout = timeout
		d.probeTimeout = probeTimeout
	}
}

// WithProxy routes requests through cfg. Encrypted credentials are revealed with decrypter.
func WithProxy(cfg *ProxyConfig, decrypter Decrypter) Option {
	return func(d *Downloader) {
		d.proxy = cfg
		d.decrypter = decrypter
	}
}

// New creates a Downloader with the default retry policy
func New(logger *log.Entry, opts ...Option) *Downloader {
	d := &Downloader{
		log:          logger.WithField("component", "downloader"),
		attempts:     DefaultAttempts,
		retryDelay:   DefaultRetryDelay,
		timeout:      DefaultTimeout,
		probeTimeout: DefaultProbeTimeout,
		freeSpace:    freeDiskSpace,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetProxy replaces the proxy configuration used by subsequent requests
func (d *Downloader) SetProxy(cfg *ProxyConfig) {
	d.proxyMu.Lock()
	defer d.proxyMu.Unlock()
	d.proxy = cfg
}

// Fetch downloads url into dstFile. Server errors are retried, every other failure is terminal.
func (d *Downloader) Fetch(ctx context.Context, url, dstFile string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Debugf("starting download to %s", dstFile)

	client, err := d.newClient(d.timeout)
	if err != nil {
		return fmt.Errorf("build http client: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstFile), 0750); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	out, err := os.Create(dstFile)
	if err != nil {
		return fmt.Errorf("failed to create destination file %q: %w", dstFile, err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			if err := out.Truncate(0); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to truncate file on retry: %w", err))
			}
			if _, err := out.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to seek to beginning of file: %w", err))
			}
		}

		err := d.downloadToFileOnce(ctx, client, url, out)
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay), uint64(d.attempts-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		d.log.Warnf("download attempt %d/%d failed, retrying after %v: %v", attempt, d.attempts, next, err)
	}

	err = backoff.RetryNotify(operation, policy, notify)

	if cerr := out.Close(); cerr != nil {
		d.log.Warnf("error closing file %q: %v", dstFile, cerr)
		if err == nil {
			err = cerr
		}
	}

	if err != nil {
		if rerr := os.Remove(dstFile); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			d.log.Warnf("failed to remove partial download %s: %v", dstFile, rerr)
		}
		return fmt.Errorf("download failed after %d attempt(s): %w", attempt, err)
	}

	d.log.Infof("successfully downloaded file to %s", dstFile)
	return nil
}

// Exists probes url with a HEAD request. Only a 200 answer counts as present.
func (d *Downloader) Exists(ctx context.Context, url string) (bool, error) {
	client, err := d.newClient(d.probeTimeout)
	if err != nil {
		return false, fmt.Errorf("build http client: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.NexusVersion()))

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.log.Warnf("error closing response body: %v", cerr)
		}
	}()

	return resp.StatusCode == http.StatusOK, nil
}

func (d *Downloader) downloadToFileOnce(ctx context.Context, client *http.Client, url string, out *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.NexusVersion()))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}

	if err := d.checkDiskSpace(filepath.Dir(out.Name()), resp.ContentLength); err != nil {
		return err
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write response body to file: %w", err)
	}

	return nil
}

func (d *Downloader) checkDiskSpace(dir string, required int64) error {
	if required <= 0 || d.freeSpace == nil {
		return nil
	}

	free, err := d.freeSpace(dir)
	if err != nil {
		d.log.Warnf("unable to determine free space in %s: %v", dir, err)
		return nil
	}

	if free < uint64(required) {
		return fmt.Errorf("%w: need %d bytes, %d available in %s", ErrInsufficientSpace, required, free, dir)
	}
	return nil
}
