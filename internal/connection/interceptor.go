package connection

import (
	"fmt"
	"net/http"
)

// RequestInterceptor can answer a request without the network. OnRequest
// returns (nil, nil) to let the request proceed to the transport.
type RequestInterceptor interface {
	OnRequest(req *http.Request) (*http.Response, error)
}

// InterceptorFunc adapts a function to RequestInterceptor.
type InterceptorFunc func(req *http.Request) (*http.Response, error)

// Compile-time check to ensure InterceptorFunc implements RequestInterceptor
var _ RequestInterceptor = InterceptorFunc(nil)

// OnRequest calls f(req).
func (f InterceptorFunc) OnRequest(req *http.Request) (*http.Response, error) {
	return f(req)
}

// roundTrip offers req to the installed interceptor, then to the transport.
// It is the only path by which a Manager reaches the network.
func (m *Manager) roundTrip(req *http.Request) (*http.Response, error) {
	if interceptor := m.RequestInterceptor(); interceptor != nil {
		resp, err := interceptor.OnRequest(req)
		if err != nil {
			return nil, fmt.Errorf("interceptor: %w", err)
		}
		if resp != nil {
			if resp.Request == nil {
				resp.Request = req
			}
			return resp, nil
		}
	}

	return m.transport.RoundTrip(req)
}

// interceptingTransport exposes Manager.roundTrip as an http.RoundTripper
// so that token exchanges pass the interceptor too.
type interceptingTransport struct {
	m *Manager
}

// Compile-time check that interceptingTransport implements http.RoundTripper.
var _ http.RoundTripper = interceptingTransport{}

func (t interceptingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.m.roundTrip(req)
}
