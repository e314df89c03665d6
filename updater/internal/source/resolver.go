package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/nexusio/nexus/updater/internal/secrets"
)

// ErrSourceUnreachable is returned when no candidate bundle URL answers the probe
var ErrSourceUnreachable = errors.New("no reachable bundle url")

// Prober checks whether a URL points at an existing object
type Prober interface {
	Exists(ctx context.Context, url string) (bool, error)
}

// EndpointProvider returns the blob endpoint of a region
type EndpointProvider interface {
	Endpoint(region string) (secrets.Endpoint, error)
}

// Scope identifies the blob location for a host
type Scope struct {
	Region     string
	CustomerID string
	SiteID     string
	BlobName   string
}

// Resolver picks the bundle URL for a host, preferring the site scoped object
type Resolver struct {
	scope     Scope
	endpoints EndpointProvider
	prober    Prober
	log       *log.Entry
}

// NewResolver creates a resolver for scope
func NewResolver(scope Scope, endpoints EndpointProvider, prober Prober, logger *log.Entry) *Resolver {
	return &Resolver{
		scope:     scope,
		endpoints: endpoints,
		prober:    prober,
		log:       logger.WithField("component", "source"),
	}
}

// Candidates returns the site scoped and customer scoped URLs in probing order
func (r *Resolver) Candidates() ([]string, error) {
	ep, err := r.endpoints.Endpoint(r.scope.Region)
	if err != nil {
		return nil, err
	}

	var candidates []string
	if r.scope.SiteID != "" {
		candidates = append(candidates, BuildURL(ep, r.scope.BlobName, r.scope.CustomerID, r.scope.SiteID))
	}
	candidates = append(candidates, BuildURL(ep, r.scope.BlobName, r.scope.CustomerID))
	return candidates, nil
}

// ResolveBundleURL returns the first candidate that exists
func (r *Resolver) ResolveBundleURL(ctx context.Context) (string, error) {
	candidates, err := r.Candidates()
	if err != nil {
		return "", fmt.Errorf("resolve endpoint: %w", err)
	}

	for _, candidate := range candidates {
		ok, err := r.prober.Exists(ctx, candidate)
		if err != nil {
			r.log.Warnf("probe %s failed: %v", redact(candidate), err)
			continue
		}
		if ok {
			r.log.Infof("using bundle %s", redact(candidate))
			return candidate, nil
		}
		r.log.Debugf("bundle not found at %s", redact(candidate))
	}

	return "", ErrSourceUnreachable
}

// BuildURL joins the endpoint base, path segments and blob name and appends the SAS token
func BuildURL(ep secrets.Endpoint, blobName string, segments ...string) string {
	parts := []string{strings.TrimRight(ep.BaseURL, "/")}
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	parts = append(parts, blobName)

	u := strings.Join(parts, "/")
	if ep.SASToken != "" {
		u += "?" + ep.SASToken
	}
	return u
}

// redact strips the query so SAS tokens do not end up in logs
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
