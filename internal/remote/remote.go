package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxManifestSize bounds a decoded manifest document
const MaxManifestSize = 64 << 20

// ErrRequest matches every *RequestError
var ErrRequest = errors.New("server request failed")

// RequestError reports a transport failure or an unexpected HTTP status
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRequest) hold for any RequestError
func (e *RequestError) Is(target error) bool { return target == ErrRequest }

// RangeResponse is the body of a ranged GET.
// Offset is where Body starts within the file: the requested offset when the
// server honoured the range, 0 when it sent the whole file.
type RangeResponse struct {
	Body   io.ReadCloser
	Offset int64
}

// Client is the transport used by the patch lifecycle
type Client interface {
	FetchManifest(ctx context.Context, url string) ([]byte, error)
	Probe(ctx context.Context, url string) (int64, error)
	FetchRange(ctx context.Context, url string, offset, total int64) (*RangeResponse, error)
}

// HTTPClient implements Client over net/http
type HTTPClient struct {
	httpc        *http.Client
	userAgent    string
	probeTimeout time.Duration
}

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.httpc = c }
}

// WithUserAgent sets the User-Agent header sent on every request
func WithUserAgent(ua string) Option {
	return func(h *HTTPClient) { h.userAgent = ua }
}

// NewHTTPClient creates a client whose header waits and probes are bounded by timeout.
// Body transfers are bounded only by the caller's context.
func NewHTTPClient(timeout time.Duration, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		httpc:        buildHTTPClient(timeout),
		userAgent:    "bundlesync",
		probeTimeout: timeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func buildHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Transport: tr}
}

func (h *HTTPClient) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &RequestError{Method: method, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", h.userAgent)
	return req, nil
}

// FetchManifest downloads and decodes a manifest document
func (h *HTTPClient) FetchManifest(ctx context.Context, url string) ([]byte, error) {
	req, err := h.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := h.httpc.Do(req)
	if err != nil {
		return nil, &RequestError{Method: req.Method, URL: url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{Method: req.Method, URL: url, StatusCode: resp.StatusCode}
	}

	encoding := resp.Header.Get("Content-Encoding")
	if encoding == "" {
		encoding = EncodingFromPath(req.URL.Path)
	}

	body, err := Decode(encoding, resp.Body)
	if err != nil {
		return nil, &RequestError{Method: req.Method, URL: url, Err: err}
	}
	defer func() {
		_ = body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(body, MaxManifestSize+1))
	if err != nil {
		return nil, &RequestError{Method: req.Method, URL: url, Err: err}
	}
	if len(data) > MaxManifestSize {
		return nil, &RequestError{Method: req.Method, URL: url, Err: fmt.Errorf("manifest exceeds %d bytes", MaxManifestSize)}
	}

	return data, nil
}

// Probe issues a HEAD request and returns the advertised Content-Length, or -1 when absent
func (h *HTTPClient) Probe(ctx context.Context, url string) (int64, error) {
	if h.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.probeTimeout)
		defer cancel()
	}

	req, err := h.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return 0, err
	}

	resp, err := h.httpc.Do(req)
	if err != nil {
		return 0, &RequestError{Method: req.Method, URL: url, Err: err}
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &RequestError{Method: req.Method, URL: url, StatusCode: resp.StatusCode}
	}

	return resp.ContentLength, nil
}

// FetchRange requests bytes [offset, total] of url
func (h *HTTPClient) FetchRange(ctx context.Context, url string, offset, total int64) (*RangeResponse, error) {
	req, err := h.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, total))

	resp, err := h.httpc.Do(req)
	if err != nil {
		return nil, &RequestError{Method: req.Method, URL: url, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, perr := contentRangeStart(resp.Header.Get("Content-Range"))
		if perr != nil || start != offset {
			_ = resp.Body.Close()
			return nil, &RequestError{Method: req.Method, URL: url, Err: fmt.Errorf("unexpected content range %q for offset %d", resp.Header.Get("Content-Range"), offset)}
		}
		return &RangeResponse{Body: resp.Body, Offset: offset}, nil
	case http.StatusOK:
		return &RangeResponse{Body: resp.Body, Offset: 0}, nil
	default:
		_ = resp.Body.Close()
		return nil, &RequestError{Method: req.Method, URL: url, StatusCode: resp.StatusCode}
	}
}

// contentRangeStart extracts the first byte position of a "bytes a-b/n" header
func contentRangeStart(v string) (int64, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "bytes ")
	dash := strings.IndexByte(v, '-')
	if dash <= 0 {
		return 0, fmt.Errorf("malformed content range %q", v)
	}
	return strconv.ParseInt(v[:dash], 10, 64)
}
