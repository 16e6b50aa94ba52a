package contracts

import "time"

const (
	// MessageTypeReload tells the browser to fetch the current render.
	MessageTypeReload = "reload"
	// MessageTypeHello is the first frame on a websocket subscription.
	MessageTypeHello = "hello"
)

// ReloadMessage is pushed to every subscriber once per settled change.
type ReloadMessage struct {
	Type string `json:"type"`
	Rev  uint64 `json:"rev"`
}

// HelloMessage acknowledges a websocket subscription with the current revision.
type HelloMessage struct {
	Type string `json:"type"`
	Rev  uint64 `json:"rev"`
	File string `json:"file"`
}

// Status is served at /healthz.
type Status struct {
	File        string    `json:"file"`
	PID         int       `json:"pid"`
	Port        int       `json:"port"`
	Subscribers int       `json:"subscribers"`
	Rev         uint64    `json:"rev"`
	StartedAt   time.Time `json:"started_at"`
}
