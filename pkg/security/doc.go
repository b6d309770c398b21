// Package security holds the transport and access controls of a node:
// tls builds the listener and peer TLS configurations, auth guards the
// operator API with bearer tokens.
package security
