// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreCall caps the wait for one persistence call made while servicing a
// realtime event, so a stalled disk never wedges a socket handler.
const StoreCall = 3 * time.Second

// DisconnectGrace is how long a dropped session stays registered before the
// registry treats the disconnect as final and publishes offline presence.
const DisconnectGrace = 5 * time.Second
