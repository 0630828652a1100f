package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Max display name length (runes). Blank names are still accepted as-is.
	maxDisplayNameChars = 64

	// Bounded FIFO size for the public message history.
	historyCapacity = 100
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// AnonymousName is the sender name used when a connection broadcasts without
// ever having joined.
const AnonymousName = "Anonymous"
