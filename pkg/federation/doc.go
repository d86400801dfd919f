// Package federation holds the pieces shared by every federation component:
// handle addressing (user@host), the rejection taxonomy returned by the
// verifier, gate, router and handshake engine, and Prometheus metrics.
package federation
