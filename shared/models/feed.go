package models

import "time"

// FeedID identifies one monitored upstream feed
type FeedID string

// Feed describes an upstream WebSocket feed to observe
type Feed struct {
	ID  FeedID `yaml:"id" json:"id" validate:"required"`
	URL string `yaml:"url" json:"url" validate:"required,url,startswith=ws"`
	// Subscribe is sent as a text frame right after the handshake, if set.
	Subscribe string `yaml:"subscribe,omitempty" json:"subscribe,omitempty"`
}

// BreachKind classifies why recovery was requested for a feed
type BreachKind string

// Breach kinds
const (
	BreachLatency    BreachKind = "latency"
	BreachSilence    BreachKind = "silence"
	BreachDisconnect BreachKind = "disconnect"
	BreachError      BreachKind = "error"
)

// FeedState is a point-in-time copy of a feed's liveness state
type FeedState struct {
	ID            FeedID        `json:"id"`
	Connected     bool          `json:"connected"`
	LastMessageAt time.Time     `json:"last_message_at"`
	LastGap       time.Duration `json:"last_gap"`
}

// StaleFeed reports a silence breach found by a sweep
type StaleFeed struct {
	ID      FeedID
	Silence time.Duration
}
