package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eferist/weft/internal/invoke"
)

type httpFetch struct {
	name     string
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetch returns a capability that GETs the URL given as its request
// and returns the body, capped at maxBytes. Only http and https URLs are
// accepted.
func NewHTTPFetch(name string, timeout time.Duration, maxBytes int64) invoke.Capability {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return &httpFetch{
		name:     name,
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (h *httpFetch) Name() string { return h.name }

func (h *httpFetch) Invoke(ctx context.Context, request string) (string, error) {
	raw := strings.TrimSpace(request)
	if raw == "" {
		return "", fmt.Errorf("%s: missing url", h.name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%s: invalid url: %w", h.name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%s: unsupported scheme %q", h.name, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s: status %d for %s", h.name, resp.StatusCode, u.String())
	}

	lr := io.LimitedReader{R: resp.Body, N: h.maxBytes}
	b, err := io.ReadAll(&lr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
