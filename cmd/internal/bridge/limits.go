package bridge

import "time"

const (
	// Max bytes per websocket frame read. Credential documents run to tens of KiB.
	maxFrameBytes = 1 << 20

	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultRequestTimeout   = 20 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Inbound envelope rate per connection.
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second

	eventQueueSize = 64
)
