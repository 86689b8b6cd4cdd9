// Package resolver turns invoice references into Star Document Markup
// at fetch time. Keeping only the reference in the queue means the
// printer always receives the invoice as it exists when it actually
// prints, not as it was when the job was queued.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrResolve is wrapped by all resolution failures so callers can map
// them to a retryable render error.
var ErrResolve = errors.New("invoice resolution failed")

// Resolver produces markup for an invoice reference.
type Resolver interface {
	Resolve(ctx context.Context, invoice string) (string, error)
}

// HTTPResolver fetches markup from an upstream document service, e.g.
// GET {base}?invoice={name}.
type HTTPResolver struct {
	base      string
	authToken string
	client    *http.Client
}

// NewHTTPResolver builds a resolver against the given endpoint.
// authToken, when non-empty, is sent as a bearer token.
func NewHTTPResolver(base, authToken string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPResolver{
		base:      base,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, invoice string) (string, error) {
	u, err := url.Parse(r.base)
	if err != nil {
		return "", fmt.Errorf("%w: bad endpoint: %v", ErrResolve, err)
	}
	q := u.Query()
	q.Set("invoice", invoice)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolve, err)
	}
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolve, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned %s", ErrResolve, invoice, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolve, err)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("%w: %s produced an empty document", ErrResolve, invoice)
	}
	return string(body), nil
}

// Static serves markup from a fixed map, for tests and for deployments
// that pre-render documents.
type Static map[string]string

func (s Static) Resolve(_ context.Context, invoice string) (string, error) {
	doc, ok := s[invoice]
	if !ok {
		return "", fmt.Errorf("%w: unknown invoice %s", ErrResolve, invoice)
	}
	return doc, nil
}
