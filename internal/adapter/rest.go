package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"portalgate/internal/domain"
)

const maxResponseBytes = 4 << 20

// HTTPDoer is the transport every REST-speaking adapter sends requests through
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// statusError is a non-2xx response
type statusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *statusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, strings.TrimSpace(body))
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.Code == code
}

// restClient is a small JSON client bound to one equipment base URL
type restClient struct {
	baseURL string
	doer    HTTPDoer
	// decorate adds authentication headers to each request
	decorate func(req *http.Request)
}

func (r *restClient) get(ctx context.Context, path string, query url.Values, out any) error {
	return r.do(ctx, http.MethodGet, path, query, nil, out)
}

func (r *restClient) post(ctx context.Context, path string, body, out any) error {
	return r.do(ctx, http.MethodPost, path, nil, body, out)
}

func (r *restClient) put(ctx context.Context, path string, body, out any) error {
	return r.do(ctx, http.MethodPut, path, nil, body, out)
}

func (r *restClient) patch(ctx context.Context, path string, body, out any) error {
	return r.do(ctx, http.MethodPatch, path, nil, body, out)
}

func (r *restClient) delete(ctx context.Context, path string) error {
	return r.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (r *restClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	_, err := r.exchange(ctx, method, path, query, body, out)
	return err
}

// exchange performs one request and also returns the response headers
func (r *restClient) exchange(ctx context.Context, method, path string, query url.Values, body, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, domain.NewConfigurationError("", "", fmt.Errorf("build request: %w", err))
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.decorate != nil {
		r.decorate(req)
	}

	resp, err := r.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.Header, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.Header, &statusError{Method: method, URL: req.URL.Path, Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return resp.Header, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.Header, fmt.Errorf("decode %s response: %w", path, err)
	}
	return resp.Header, nil
}

// newHTTPClient builds the adapter's own client so no connection state is
// shared across equipment
func newHTTPClient(opts Options, insecure bool) HTTPDoer {
	if opts.HTTPClient != nil {
		return opts.HTTPClient
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec // controllers ship self-signed certs
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Timeout: opts.Timeout, Transport: transport}
}

// equipmentURL returns the API endpoint override or scheme://ip[:port]
func equipmentURL(desc domain.EquipmentDescriptor, scheme string, port int) string {
	if desc.APIEndpoint != "" {
		return strings.TrimRight(desc.APIEndpoint, "/")
	}
	host := desc.IPAddress
	if port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return scheme + "://" + host
}

// closeIdle releases pooled connections when the doer supports it
func closeIdle(doer HTTPDoer) {
	if c, ok := doer.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
