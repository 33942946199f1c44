package terminus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Rest is the remote terminus strategy: a REST client against the
// catalog/report service. Finds that carry facts POST them so the
// server can compile against current node state.
type Rest struct {
	baseURL string
	client  *http.Client
}

// RestConfig configures the REST terminus.
type RestConfig struct {
	// BaseURL is the service base URL, e.g. "https://kudzu.example.com:8140".
	BaseURL string

	// Timeout bounds each request. Zero means 2 minutes.
	Timeout time.Duration
}

// NewRest creates a REST terminus.
func NewRest(cfg RestConfig) (*Rest, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	return &Rest{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name implements Terminus.
func (r *Rest) Name() string {
	return "rest"
}

// findRequest is the POST body for fact-bearing finds.
type findRequest struct {
	Facts       map[string]any `json:"facts,omitempty"`
	FactsFormat string         `json:"facts_format,omitempty"`
}

// Find implements Terminus. A 404 is absence, not an error.
func (r *Rest) Find(ctx context.Context, kind, key string, opts FindOptions) (*Resource, error) {
	endpoint := r.endpoint(kind, key)

	var req *http.Request
	var err error
	if opts.Facts != nil {
		body, merr := json.Marshal(findRequest{
			Facts:       opts.Facts,
			FactsFormat: opts.FactsFormat,
		})
		if merr != nil {
			return nil, &TransportError{Op: "find", Kind: kind, Key: key, Err: merr}
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}
	if err != nil {
		return nil, &TransportError{Op: "find", Kind: kind, Key: key, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "find", Kind: kind, Key: key, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, &TransportError{
			Op:   "find",
			Kind: kind,
			Key:  key,
			Err:  fmt.Errorf("server returned %s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "find", Kind: kind, Key: key, Err: err}
	}

	return &Resource{Key: key, Body: body}, nil
}

// Save implements Terminus.
func (r *Rest) Save(ctx context.Context, kind string, res *Resource) error {
	endpoint := r.endpoint(kind, res.Key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(res.Body))
	if err != nil {
		return &TransportError{Op: "save", Kind: kind, Key: res.Key, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return &TransportError{Op: "save", Kind: kind, Key: res.Key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusNoContent {
		return &TransportError{
			Op:   "save",
			Kind: kind,
			Key:  res.Key,
			Err:  fmt.Errorf("server returned %s", resp.Status),
		}
	}

	return nil
}

// endpoint builds the resource URL, e.g. /v1/catalogs/web01.example.com.
func (r *Rest) endpoint(kind, key string) string {
	return fmt.Sprintf("%s/v1/%ss/%s", r.baseURL, kind, url.PathEscape(key))
}
