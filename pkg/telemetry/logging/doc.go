// Package logging builds the process slog logger.
//
// New applies level, format and source settings from configuration and
// wraps the handler so attributes stored on a context with WithNode,
// WithPeer, WithRule or WithRequestID are added to every record logged
// through the *Context methods:
//
//	logger, _ := logging.New(logging.Config{Level: "info", Format: "json", Redact: true})
//	ctx = logging.WithPeer(ctx, "node-b")
//	logger.InfoContext(ctx, "sync cycle finished", "pulled", 3)
//
// With Redact on, values of credential-like keys (token, password,
// authorization, ...) are masked and bearer tokens or URL userinfo inside
// string values are replaced.
package logging
