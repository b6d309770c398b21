package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// TokenHeader is the alternative to an Authorization bearer header.
const TokenHeader = "X-Concord-Token"

// Options configures a Middleware.
type Options struct {
	// OnFailure writes the rejection. Default: a plain 401.
	OnFailure func(w http.ResponseWriter, r *http.Request, err error)

	Logger *slog.Logger
}

// Middleware rejects requests without a valid token.
type Middleware struct {
	tokens    *TokenSet
	onFailure func(w http.ResponseWriter, r *http.Request, err error)
	logger    *slog.Logger
}

// NewMiddleware creates a middleware over tokens.
func NewMiddleware(tokens *TokenSet, opts Options) *Middleware {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnFailure == nil {
		opts.OnFailure = func(w http.ResponseWriter, r *http.Request, err error) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="concord"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return &Middleware{tokens: tokens, onFailure: opts.OnFailure, logger: opts.Logger}
}

// Handle wraps next with token authentication.
func (m *Middleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, err := m.tokens.Authenticate(extractToken(r))
		if err != nil {
			m.logger.Warn("rejected operator request",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			m.onFailure(w, r, err)
			return
		}
		m.logger.Debug("operator authenticated", "operator", operator, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), operator)))
	})
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get(TokenHeader)
}

type contextKey struct{}

// WithOperator returns ctx carrying the authenticated operator.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, contextKey{}, operator)
}

// Operator returns the operator stored by the middleware, if any.
func Operator(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(contextKey{}).(string)
	return op, ok && op != ""
}
