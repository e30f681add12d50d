// Package httpdata reads and writes transfer payloads over plain HTTP.
package httpdata

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dataspace-connector/connector/internal/domain/transfer"
	"github.com/dataspace-connector/connector/internal/faults"
)

// Type is the data address type served by this package.
const Type = "HttpData"

// Address properties.
const (
	PropBaseURL  = "baseUrl"
	PropPath     = "path"
	PropMethod   = "method"
	PropAuthKey  = "authKey"
	PropAuthCode = "authCode"
	PropMimeType = "contentType"
)

// Endpoint implements dataplane.Source and dataplane.Sink.
type Endpoint struct {
	client *http.Client
}

func New(timeout time.Duration) *Endpoint {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Endpoint{client: &http.Client{Timeout: timeout}}
}

func (e *Endpoint) Type() string { return Type }

// Open GETs the address and returns the response body.
func (e *Endpoint) Open(ctx context.Context, addr transfer.DataAddress) (io.ReadCloser, error) {
	req, err := newRequest(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, faults.NewTransient("http source", err)
	}
	if err := checkStatus("http source", resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Write sends r to the address, with POST unless the address names another method.
func (e *Endpoint) Write(ctx context.Context, addr transfer.DataAddress, r io.Reader) error {
	method := strings.ToUpper(addr.Property(PropMethod))
	if method == "" {
		method = http.MethodPost
	}
	req, err := newRequest(ctx, method, addr, r)
	if err != nil {
		return err
	}
	contentType := addr.Property(PropMimeType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := e.client.Do(req)
	if err != nil {
		return faults.NewTransient("http sink", err)
	}
	if err := checkStatus("http sink", resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func newRequest(ctx context.Context, method string, addr transfer.DataAddress, body io.Reader) (*http.Request, error) {
	base := addr.Property(PropBaseURL)
	if base == "" {
		return nil, faults.Permanentf("http data address", "%s is required", PropBaseURL)
	}
	url := base
	if p := addr.Property(PropPath); p != "" {
		url = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, faults.NewPermanent("http data address", err)
	}
	if key := addr.Property(PropAuthKey); key != "" {
		req.Header.Set(key, addr.Property(PropAuthCode))
	}
	return req, nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return faults.Permanentf(op, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return faults.Transientf(op, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
}
