package proxy

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/httplog/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const healthPath = "/healthz"

// Recovery turns a handler panic into a JSON 500. http.ErrAbortHandler is
// re-raised so the server aborts the response as intended.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.ErrorContext(r.Context(), "handler panicked", "panic", rec, "path", r.URL.Path)
			writeJSONError(r.Context(), w, codeInternal, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// Logging writes one log record per request. Headers that may carry
// credentials are never logged, and neither are bodies.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Level:  slog.LevelInfo,
		Schema: httplog.SchemaECS.Concise(true),

		// Successful health checks are noise.
		Skip: func(req *http.Request, respStatus int) bool {
			return req.URL.Path == healthPath && respStatus == http.StatusOK
		},

		LogRequestHeaders:  []string{"Content-Type", "Traceparent"},
		LogResponseHeaders: []string{"Content-Type", "Request-Id"},

		RecoverPanics: false,
	})
}

// TraceContext extracts W3C trace context from incoming headers so that log
// records and upstream requests carry the caller's trace.
func TraceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// chain wraps h so that the first middleware runs first.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
