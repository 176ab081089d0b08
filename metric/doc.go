// Package metric provides Prometheus-based metrics collection and an HTTP
// server for relay monitoring and observability.
//
// The package offers a centralized metrics registry managing both core relay
// metrics (connections, channels, forwarded messages, tool-call correlation,
// stream sessions) and custom component-specific metrics. It includes an HTTP
// server exposing metrics in Prometheus format plus a /healthz endpoint.
//
// # Architecture
//
//  1. Core Metrics: relay-level metrics automatically registered (Metrics type)
//  2. Component Registry: extensible registration for component-specific
//     metrics (MetricsRegistrar interface)
//  3. HTTP Server: metrics endpoint with health check (Server type)
//
// Components register their own collectors under a "component.metric" key so
// duplicate registrations are caught at startup rather than at scrape time.
package metric
