/*
Package metrics provides Prometheus-based metrics collection across three
dimensions: HTTP, upstream LLM calls, and cache hit/miss.

# Overview

Collector registers and records Prometheus metrics via promauto, so the
caller never manages a Registry directly. Every metric is namespaced and
carries label dimensions suitable for Grafana dashboards and alerting.

# Core type

  - Collector: holds the Counter/Histogram vectors for each dimension,
    grouped by domain.

# Dimensions

  - HTTP: request count, request duration, request/response body size,
    grouped by method/path/status (status bucketed to 2xx/3xx/4xx/5xx).
  - LLM: request count, request duration, token usage (prompt/completion),
    call cost, grouped by provider/model.
  - Cache: hit/miss counts, grouped by cache_type.
*/
package metrics
