package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 16 << 10 // 16 KiB
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). A device streaming
	// positions at 1 Hz stays well under this.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
