package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Clients only send subscriptions.
	maxFrameBytes = 4 << 10 // 4 KiB

	// Max sessions one connection may follow.
	maxSubscriptions = 64

	// Max session key length accepted in a subscription.
	maxSessionKeyLen = 200
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
