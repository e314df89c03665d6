package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDownloader(opts ...Option) *Downloader {
	opts = append([]Option{WithRetry(DefaultAttempts, time.Millisecond)}, opts...)
	return New(log.NewEntry(log.StandardLogger()), opts...)
}

func sequenceServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		status := statuses[len(statuses)-1]
		if int(n) <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		if status == http.StatusOK && r.Method == http.MethodGet {
			_, _ = w.Write([]byte("bundle-content"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	srv, calls := sequenceServer(t, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)
	dst := filepath.Join(t.TempDir(), "zip", "bundle.zip")

	err := newTestDownloader().Fetch(context.Background(), srv.URL+"/bundle.zip", dst)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "bundle-content", string(data))
}

func TestFetch_ExhaustsAttempts(t *testing.T) {
	srv, calls := sequenceServer(t, http.StatusBadGateway)
	dst := filepath.Join(t.TempDir(), "bundle.zip")

	err := newTestDownloader().Fetch(context.Background(), srv.URL, dst)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Equal(t, int32(DefaultAttempts), atomic.LoadInt32(calls))
	assert.NoFileExists(t, dst)
}

func TestFetch_TerminalStatuses(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusBadRequest} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, calls := sequenceServer(t, status, http.StatusOK)
			dst := filepath.Join(t.TempDir(), "bundle.zip")

			err := newTestDownloader().Fetch(context.Background(), srv.URL, dst)
			require.Error(t, err)
			assert.Equal(t, int32(1), atomic.LoadInt32(calls), "terminal status must not be retried")
		})
	}
}

func TestFetch_InsufficientDiskSpace(t *testing.T) {
	srv, calls := sequenceServer(t, http.StatusOK)
	dst := filepath.Join(t.TempDir(), "bundle.zip")

	d := newTestDownloader()
	d.freeSpace = func(string) (uint64, error) { return 4, nil }

	err := d.Fetch(context.Background(), srv.URL, dst)
	assert.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestFetch_SerializesCalls(t *testing.T) {
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	d := newTestDownloader()
	dir := t.TempDir()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			errs <- d.Fetch(context.Background(), srv.URL, filepath.Join(dir, string(rune('a'+i))))
		}(i)
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestFetch_ContextCancelled(t *testing.T) {
	srv, _ := sequenceServer(t, http.StatusServiceUnavailable)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(log.NewEntry(log.StandardLogger()), WithRetry(3, time.Hour)).Fetch(ctx, srv.URL, filepath.Join(t.TempDir(), "b"))
	require.Error(t, err)
}

func TestExists(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.URL.Path == "/present" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := newTestDownloader()

	ok, err := d.Exists(context.Background(), srv.URL+"/present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Exists(context.Background(), srv.URL+"/absent")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{http.MethodHead, http.MethodHead}, methods)
}

func TestStatusErrorRetryable(t *testing.T) {
	assert.True(t, (&StatusError{Code: 500}).Retryable())
	assert.True(t, (&StatusError{Code: 503}).Retryable())
	assert.False(t, (&StatusError{Code: 404}).Retryable())
	assert.False(t, (&StatusError{Code: 403}).Retryable())
	assert.False(t, errors.Is(&StatusError{Code: 500}, ErrInsufficientSpace))
}
