// Package component defines the lifecycle and discovery contracts shared by
// the relay's long-running pieces: Initialize, Start, Stop with timeout, and
// the Discoverable surface (metadata, health, data flow) consumed by the
// operational endpoints.
package component
