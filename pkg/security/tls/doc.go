/*
Package tls builds the crypto/tls configurations a node serves and dials
with.

The server side loads the node certificate, pins the minimum protocol
version and, when a client CA is configured, verifies peer client
certificates:

	tlsCfg, reloader, err := tls.NewServerConfig(&cfg.Server.TLS, logger)
	if err != nil {
		return err
	}
	if reloader != nil {
		go reloader.Run(ctx)
	}
	ln = tls.NewListener(ln, tlsCfg)

With reload enabled the certificate is served through a Reloader, which
watches the certificate and key files with fsnotify and swaps in the new
pair after a renewal. A pair that fails to load or has expired is logged
and the previous certificate keeps serving.

The client side is used by the replication transport to reach https peer
addresses:

	tlsCfg, err := tls.NewClientConfig(cfg.Replication.TLS)
*/
package tls
