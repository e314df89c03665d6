package downloader

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// ProxyConfig mirrors the proxy section of the proxy configuration file
type ProxyConfig struct {
	Enabled        bool        `json:"enabled"`
	Encrypted      bool        `json:"encrypted"`
	Type           string      `json:"type"`
	Server         ProxyServer `json:"server"`
	Bypass         []string    `json:"bypass"`
	Authentication ProxyAuth   `json:"authentication"`
	SSL            ProxySSL    `json:"ssl"`
}

type ProxyServer struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ProxyAuth struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type ProxySSL struct {
	Enabled        bool   `json:"enabled"`
	VerifyPeer     bool   `json:"verify_peer"`
	VerifyHost     bool   `json:"verify_host"`
	CACertPath     string `json:"ca_cert_path"`
	ClientCertPath string `json:"client_cert_path"`
	ClientKeyPath  string `json:"client_key_path"`
}

type proxyFile struct {
	Proxy *ProxyConfig `json:"proxy"`
}

// LoadProxyConfig reads a proxy configuration file. A missing file yields a nil config.
func LoadProxyConfig(path string) (*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil //nolint:nilnil
		}
		return nil, fmt.Errorf("read proxy config: %w", err)
	}

	var file proxyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse proxy config: %w", err)
	}

	if file.Proxy != nil && file.Proxy.Enabled && file.Proxy.Server.Host == "" {
		return nil, errors.New("proxy is enabled but server.host is empty")
	}

	return file.Proxy, nil
}

// URL builds the proxy URL including credentials
func (c *ProxyConfig) URL(decrypter Decrypter) (*url.URL, error) {
	scheme := strings.ToLower(c.Type)
	switch scheme {
	case "":
		scheme = "http"
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", c.Type)
	}

	host := c.Server.Host
	if c.Server.Port > 0 {
		host = net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
	}

	u := &url.URL{Scheme: scheme, Host: host}

	if c.Authentication.Enabled && c.Authentication.Username != "" {
		password := c.Authentication.Password
		if c.Encrypted && password != "" {
			if decrypter == nil {
				return nil, errors.New("proxy password is encrypted but no decrypter is configured")
			}
			plain, err := decrypter.Decrypt(password)
			if err != nil {
				return nil, fmt.Errorf("decrypt proxy password: %w", err)
			}
			password = plain
		}
		u.User = url.UserPassword(c.Authentication.Username, password)
	}

	return u, nil
}

// proxyFunc returns the transport proxy selector honoring the bypass list
func (c *ProxyConfig) proxyFunc(decrypter Decrypter) (func(*http.Request) (*url.URL, error), error) {
	proxyURL, err := c.URL(decrypter)
	if err != nil {
		return nil, err
	}

	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    strings.Join(c.Bypass, ","),
	}
	selector := cfg.ProxyFunc()

	return func(req *http.Request) (*url.URL, error) {
		return selector(req.URL)
	}, nil
}

func (c *ProxySSL) tlsConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.CACertPath != "" {
		pem, err := os.ReadFile(c.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}

	if c.ClientCertPath != "" && c.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	switch {
	case !c.VerifyPeer:
		tlsCfg.InsecureSkipVerify = true //nolint:gosec
	case !c.VerifyHost:
		// verify the chain but not the host name
		roots := tlsCfg.RootCAs
		tlsCfg.InsecureSkipVerify = true //nolint:gosec
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("no peer certificates")
			}
			opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	}

	return tlsCfg, nil
}

func (d *Downloader) newClient(timeout time.Duration) (*http.Client, error) {
	d.proxyMu.RLock()
	cfg := d.proxy
	d.proxyMu.RUnlock()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil

	if cfg != nil && cfg.Enabled {
		selector, err := cfg.proxyFunc(d.decrypter)
		if err != nil {
			return nil, err
		}
		transport.Proxy = selector
	}

	if cfg != nil && cfg.SSL.Enabled {
		tlsCfg, err := cfg.SSL.tlsConfig()
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
