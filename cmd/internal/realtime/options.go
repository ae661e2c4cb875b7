package realtime

import "time"

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	maxPingFailures = 3
)

// DefaultAllowedOrigins is the dev allowlist used when none is configured.
var DefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// Options tunes websocket endpoints. Zero values fall back to defaults except
// ReadIdleTimeout, where zero disables the idle read deadline.
type Options struct {
	// DevInsecure skips the accept-time origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultOptions returns secure defaults: origin required, localhost only.
func DefaultOptions() Options {
	return Options{
		OriginRequired:    true,
		AllowedOrigins:    append([]string(nil), DefaultAllowedOrigins...),
		WriteTimeout:      defaultWriteTimeout,
		ReadIdleTimeout:   defaultReadIdle,
		SendQueueSize:     defaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (o Options) normalized() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadIdleTimeout < 0 {
		o.ReadIdleTimeout = 0
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.SendQueueSize < minSendQueueSize {
		o.SendQueueSize = minSendQueueSize
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = heartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = heartbeatTimeout
	}
	if o.RateEvents <= 0 {
		o.RateEvents = rateLimitEvents
	}
	if o.RateWindow <= 0 {
		o.RateWindow = rateLimitWindow
	}
	return o
}
