/*
Package server provides HTTP/HTTPS server lifecycle management: non-blocking
startup, graceful shutdown, and OS signal handling.

# Overview

Manager wraps net/http.Server, unifying listen/serve/shutdown and error
propagation into one type. It supports both plain HTTP and TLS startup,
with built-in SIGINT/SIGTERM handling for a clean production shutdown.

# Core types

  - Manager: holds the http.Server, its net.Listener, and an asynchronous
    error channel; exposes Start/StartTLS/Shutdown/WaitForShutdown.
  - Config: listen address, read/write/idle timeouts, max header size, and
    graceful shutdown timeout.

# Capabilities

  - Non-blocking startup: Start/StartTLS run the server in a background
    goroutine; the caller never blocks.
  - Graceful shutdown: Shutdown drains in-flight requests within the
    configured timeout.
  - Signal handling: WaitForShutdown listens for SIGINT/SIGTERM and
    triggers shutdown automatically.
  - Error propagation: Errors() returns the asynchronous error channel for
    callers that want to monitor server health.
  - TLS support: StartTLS takes a certificate and key file.
  - Status queries: IsRunning/Addr report current state.
*/
package server
