// Package tap mirrors relay traffic onto NATS subjects.
//
// Each forwarded envelope is published to <prefix>.<channel>.<type> as the
// same JSON the parties exchange. The tap is strictly an observer: publish
// failures are counted and dropped, never surfaced to the relay's forwarding
// path, and a NATS outage does not affect channel traffic.
package tap
