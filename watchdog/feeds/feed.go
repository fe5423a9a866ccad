package feeds

import (
	"time"

	"github.com/linluma/feedwatch/shared/models"
)

// EventSink receives the four signals a feed connection produces.
// For one connection RecordConnected precedes every RecordMessage, and at
// most one of RecordDisconnected or RecordError is delivered.
type EventSink interface {
	RecordConnected(id models.FeedID)
	RecordMessage(id models.FeedID)
	RecordDisconnected(id models.FeedID, reason string)
	RecordError(id models.FeedID, reason string)
}

// RetryConfig holds retry parameters for the initial handshake
type RetryConfig struct {
	InitialDelay  time.Duration // e.g., 200 milliseconds
	MaxDelay      time.Duration // e.g., 2 seconds
	MaxRetries    int           // retries after the first attempt
	BackoffFactor float64       // e.g., 2.0 (exponential)
	Jitter        bool          // Add randomization to prevent thundering herd
}

// DefaultRetryConfig keeps the backoff waits short. The overall handshake
// deadline comes from Options.ConnectTimeout.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		MaxRetries:    3,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// ConnectionHealth tracks handshake attempts for one feed
type ConnectionHealth struct {
	Connected        bool
	FailureCount     int
	ConsecutiveFails int
	LastFailureTime  time.Time
}
