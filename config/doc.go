// Package config loads and validates relay configuration.
//
// Configuration is assembled in three layers: built-in defaults from
// Default(), JSON file layers deep-merged in order, and FIGMA_RELAY_*
// environment variable overrides applied last.
//
//	loader := config.NewLoader()
//	cfg, err := loader.LoadFile("relay.json")
//
// Duration fields accept Go duration strings in JSON ("30s", "5m").
// Environment overrides use a flat naming scheme, for example
// FIGMA_RELAY_SERVER_PORT, FIGMA_RELAY_CHANNELS_JOIN_POLICY,
// FIGMA_RELAY_TOOLCALLS_TIMEOUT, FIGMA_RELAY_TAP_ENABLED.
package config
