package connection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const userAgent = "apiconn/0.1"

// maxErrorBody caps how much of an error response is kept in APIError.
const maxErrorBody = 64 << 10

// defaultMaxReplayBody caps how much of a request body is buffered so the
// request can be retried after a 401.
const defaultMaxReplayBody = 10 << 20

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the pipeline's logger. If not provided,
// slog.Default() is used.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithUserAgent overrides the User-Agent header sent with every request.
func WithUserAgent(ua string) PipelineOption {
	return func(p *Pipeline) {
		p.userAgent = ua
	}
}

// WithMaxReplayBody sets how many bytes of a request body are buffered for
// the retry after a 401. Larger bodies are streamed once and their 401 is
// returned without refreshing. Zero or less disables buffering entirely.
func WithMaxReplayBody(n int64) PipelineOption {
	return func(p *Pipeline) {
		p.maxReplayBody = n
	}
}

// Pipeline sends requests on behalf of a Manager: it attaches the bearer
// token, routes through the interceptor or transport, and retries once
// after refreshing when the API rejects the token.
type Pipeline struct {
	conn          *Manager
	logger        *slog.Logger
	userAgent     string
	maxReplayBody int64
}

// Compile-time check that Pipeline implements http.RoundTripper.
var _ http.RoundTripper = (*Pipeline)(nil)

// NewPipeline creates a Pipeline for conn.
func NewPipeline(conn *Manager, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		conn:          conn,
		userAgent:     userAgent,
		maxReplayBody: defaultMaxReplayBody,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Connection returns the Manager the pipeline sends for.
func (p *Pipeline) Connection() *Manager {
	return p.conn
}

// Send sends req and returns the response as is, whatever its status. On a
// 401 from a refreshable connection the token is refreshed and the request
// retried exactly once; the retry's outcome is returned unchanged. A
// request whose body cannot be rewound and exceeds the replay limit is sent
// once and never retried.
func (p *Pipeline) Send(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	log := p.logger.With("request_id", uuid.NewString(), "method", req.Method, "url", redactURL(req))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		log = log.With("trace_id", sc.TraceID().String())
	}

	req, canReplay, err := replayable(req, p.maxReplayBody)
	if err != nil {
		return nil, err
	}
	log.DebugContext(ctx, "sending request")

	token, err := p.conn.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	resp, err := p.sendOnce(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !p.conn.CanRefresh() {
		return resp, nil
	}
	if !canReplay {
		log.DebugContext(ctx, "access token rejected, request body too large to retry")
		return resp, nil
	}

	log.InfoContext(ctx, "access token rejected, refreshing and retrying once")
	drain(resp)

	token, err = p.conn.refreshUnless(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("refreshing after 401: %w", err)
	}

	resp, err = p.sendOnce(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		log.WarnContext(ctx, "request still unauthorized after refresh")
	}
	return resp, nil
}

// RoundTrip implements http.RoundTripper.
func (p *Pipeline) RoundTrip(req *http.Request) (*http.Response, error) {
	return p.Send(req)
}

// Do sends a request for path, resolved against the connection's base URL.
// Non-2xx responses are closed and returned as *APIError. The caller must
// close the body of a successful response.
func (p *Pipeline) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	target := strings.TrimRight(p.conn.BaseURL(), "/") + "/" + strings.TrimLeft(path, "/")

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.Send(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	var errBody []byte
	if resp.Body != nil {
		var readErr error
		errBody, readErr = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}
	}

	return nil, &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Message:    string(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// sendOnce dispatches a copy of req carrying token.
func (p *Pipeline) sendOnce(req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		out.Body = body
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", p.userAgent)
	}
	otel.GetTextMapPropagator().Inject(out.Context(), propagation.HeaderCarrier(out.Header))

	resp, err := p.conn.roundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, req.Method, redactURL(req), err)
	}
	return resp, nil
}

// replayable returns req, or a copy of it whose buffered body can be sent
// again by a retry. Bodies larger than limit are not buffered: the copy
// streams them once and canReplay is false. The caller's request is never
// modified.
func replayable(req *http.Request, limit int64) (_ *http.Request, canReplay bool, _ error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, true, nil
	}
	if limit <= 0 || req.ContentLength > limit {
		return req, false, nil
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		_ = req.Body.Close()
		return nil, false, fmt.Errorf("reading request body: %w", err)
	}

	out := req.Clone(req.Context())
	if int64(len(data)) > limit {
		// Put back what was consumed; the rest is still unread.
		out.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), req.Body), req.Body}
		return out, false, nil
	}

	_ = req.Body.Close()
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.ContentLength = int64(len(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return out, true, nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

// redactURL drops the query string, which may carry secrets.
func redactURL(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	u := *req.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
