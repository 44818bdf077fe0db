package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Max identity / group id length (bytes).
	maxIdentityLen = 255

	// Default registry ceiling.
	defaultMaxConcurrentUsers = 50
)

const (
	// Heartbeat defaults; GatewayConfig overrides them.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
