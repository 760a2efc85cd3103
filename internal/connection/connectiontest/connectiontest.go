// Package connectiontest provides in-memory response fixtures and a
// recording interceptor for testing code built on package connection
// without a network.
package connectiontest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/florianilch/apiconn/internal/connection"
)

// Response describes a canned HTTP response. The zero value is an empty 200.
type Response struct {
	status int
	header http.Header
	body   []byte
}

// NewResponse starts a fixture with the given status code.
func NewResponse(status int) *Response {
	return &Response{status: status, header: make(http.Header)}
}

// WithHeader adds a header value.
func (r *Response) WithHeader(key, value string) *Response {
	if r.header == nil {
		r.header = make(http.Header)
	}
	r.header.Add(key, value)
	return r
}

// WithBody sets a raw body.
func (r *Response) WithBody(body string) *Response {
	r.body = []byte(body)
	return r
}

// WithJSON sets v, encoded as JSON, as the body. It panics if v cannot be
// encoded.
func (r *Response) WithJSON(v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("connectiontest: encoding fixture body: %v", err))
	}
	r.body = data
	return r.WithHeader("Content-Type", "application/json")
}

// Build materializes the fixture as a response to req. Every call returns a
// fresh body reader.
func (r *Response) Build(req *http.Request) *http.Response {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	header := r.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(r.body)))

	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.body)),
		ContentLength: int64(len(r.body)),
		Request:       req,
	}
}

// Interceptor answers every request with the fixture.
func (r *Response) Interceptor() connection.InterceptorFunc {
	return func(req *http.Request) (*http.Response, error) {
		return r.Build(req), nil
	}
}

// TokenResponse returns a token endpoint fixture.
func TokenResponse(accessToken, refreshToken string, expiresIn int) *Response {
	return NewResponse(http.StatusOK).WithJSON(map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"token_type":    "bearer",
		"expires_in":    expiresIn,
	})
}

type route struct {
	method   string
	contains string
	respond  func(*http.Request) (*http.Response, error)
}

// Interceptor routes requests to fixtures by URL substring and records
// every request it sees. Unmatched requests fall through to the transport.
type Interceptor struct {
	mu       sync.Mutex
	routes   []route
	requests []*http.Request
}

// Compile-time check to ensure Interceptor implements connection.RequestInterceptor
var _ connection.RequestInterceptor = (*Interceptor)(nil)

// NewInterceptor creates an empty Interceptor.
func NewInterceptor() *Interceptor {
	return &Interceptor{}
}

// Handle answers requests whose URL contains urlContains (and whose method
// matches, unless method is empty) with resp.
func (i *Interceptor) Handle(method, urlContains string, resp *Response) *Interceptor {
	return i.HandleFunc(method, urlContains, func(req *http.Request) (*http.Response, error) {
		return resp.Build(req), nil
	})
}

// HandleFunc is like Handle with a custom responder.
func (i *Interceptor) HandleFunc(method, urlContains string, fn func(*http.Request) (*http.Response, error)) *Interceptor {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.routes = append(i.routes, route{method: method, contains: urlContains, respond: fn})
	return i
}

// Forbid fails t if a request whose URL contains urlContains is ever seen.
// The request is answered with 500 so the code under test surfaces it.
func (i *Interceptor) Forbid(t testing.TB, urlContains string) *Interceptor {
	return i.HandleFunc("", urlContains, func(req *http.Request) (*http.Response, error) {
		t.Errorf("unexpected request to %s", req.URL)
		return NewResponse(http.StatusInternalServerError).Build(req), nil
	})
}

// OnRequest implements connection.RequestInterceptor.
func (i *Interceptor) OnRequest(req *http.Request) (*http.Response, error) {
	i.mu.Lock()
	i.requests = append(i.requests, req)
	routes := i.routes
	i.mu.Unlock()

	for _, r := range routes {
		if r.method != "" && r.method != req.Method {
			continue
		}
		if strings.Contains(req.URL.String(), r.contains) {
			return r.respond(req)
		}
	}
	return nil, nil
}

// Requests returns the requests seen so far.
func (i *Interceptor) Requests() []*http.Request {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*http.Request(nil), i.requests...)
}

// Count returns how many requests had a URL containing urlContains.
func (i *Interceptor) Count(urlContains string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	n := 0
	for _, req := range i.requests {
		if strings.Contains(req.URL.String(), urlContains) {
			n++
		}
	}
	return n
}
