/*
Package auth guards the operator API with bearer tokens.

Each configured token identifies one operator. The middleware accepts the
token from an "Authorization: Bearer <token>" header or an
"X-Concord-Token" header and stores the operator in the request context,
where handlers read it with Operator:

	tokens, err := auth.NewTokenSet(cfg.Server.Auth.Tokens)
	if err != nil {
		return err
	}
	mw := auth.NewMiddleware(tokens, auth.Options{})
	mux.Handle("/v1/", mw.Handle(api))

Tokens are stored and compared as BLAKE3 digests, so the set never keeps
the secrets themselves in memory past construction.
*/
package auth
