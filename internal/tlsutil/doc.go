// Package tlsutil provides centralized TLS configuration for HTTP clients,
// HTTP servers, and Redis connections: TLS 1.2+ with AEAD cipher suites only.
package tlsutil
