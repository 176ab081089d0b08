// Package health converts component health snapshots into sanitized,
// JSON-serializable statuses and aggregates them for the /healthz endpoint.
// Error messages are scrubbed of URLs, paths, addresses, and credentials
// before they leave the process.
package health
