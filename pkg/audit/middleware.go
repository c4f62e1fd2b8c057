package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaymesh/relay/pkg/identity"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// annotations collects key/value pairs handlers attach to the event of the
// request they serve.
type annotations struct {
	mu sync.Mutex
	m  map[string]string
}

type annotationsCtxKey struct{}

// Annotate attaches a key/value pair to the audit event of the request
// carried by ctx. It is a no-op outside Middleware.
func Annotate(ctx context.Context, key, value string) {
	a, ok := ctx.Value(annotationsCtxKey{}).(*annotations)
	if !ok {
		return
	}
	a.mu.Lock()
	a.m[key] = value
	a.mu.Unlock()
}

// Middleware records an Event for every mutating request it wraps. Reads
// pass through unrecorded. Write failures are logged and never fail the
// request.
func Middleware(store *Store, cfg *AuditConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg == nil || !cfg.Enabled || store == nil || isRead(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			notes := &annotations{m: map[string]string{}}
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r.WithContext(context.WithValue(r.Context(), annotationsCtxKey{}, notes)))

			outcome := outcomeFromStatus(capture.statusCode)
			if outcome == "denied" && !cfg.LogDenied {
				return
			}

			ctx := r.Context()
			requestID := middleware.GetReqID(ctx)
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = requestID
			}

			p, _ := identity.PrincipalFromContext(ctx)
			notes.mu.Lock()
			operator := notes.m["operator"]
			delete(notes.m, "operator")
			meta := notes.m
			notes.mu.Unlock()
			if len(meta) == 0 {
				meta = nil
			}

			event := &Event{
				RequestID:     requestID,
				CorrelationID: correlationID,
				ActorKind:     string(p.Kind),
				Actor:         actorName(p),
				Operator:      operator,
				Action:        actionFor(r.Method, r.URL.Path),
				Method:        r.Method,
				Path:          r.URL.Path,
				Outcome:       outcome,
				StatusCode:    capture.statusCode,
				DurationMS:    time.Since(start).Milliseconds(),
				Metadata:      meta,
				CreatedAt:     start.UTC(),
			}
			if err := store.Append(context.WithoutCancel(ctx), event); err != nil {
				logger.Error("failed to write audit event", "error", err, "requestID", requestID)
			}
		})
	}
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return "denied"
	default:
		return "failure"
	}
}

func actorName(p identity.Principal) string {
	switch {
	case p.Kind == identity.KindRelay && p.Relay != nil:
		return p.Relay.Name
	case p.Subject != "":
		return p.Subject
	case p.Fingerprint != "":
		return p.Fingerprint
	}
	return "anonymous"
}

// actionFor names the action of a request, e.g. POST /admin/config is
// "config.apply".
func actionFor(method, path string) string {
	switch {
	case method == http.MethodPost && path == "/admin/config":
		return "config.apply"
	}
	resource := strings.Trim(strings.TrimPrefix(path, "/admin"), "/")
	resource = strings.ReplaceAll(resource, "/", ".")
	return resource + "." + strings.ToLower(method)
}
