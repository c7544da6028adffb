// Package agentstatus defines the on-disk shape of the agent_status file —
// the only coupling between the Activity Monitor (writer), the Dispatcher
// (reader), and any external observer (spec.md §3, §4.G). Neither process
// shares in-process memory; they only agree on this JSON shape.
package agentstatus

import "time"

// State is the agent's observed liveness as seen from outside the terminal.
type State string

const (
	StateOffline State = "offline"
	StateStopped State = "stopped"
	StateBusy    State = "busy"
	StateIdle    State = "idle"
)

// Health mirrors the Liveness Engine's health classification.
type Health string

const (
	HealthOK          Health = "ok"
	HealthRecovering  Health = "recovering"
	HealthRateLimited Health = "rate_limited"
	HealthDown        Health = "down"
)

// AgentStatus is written atomically every Activity Monitor tick.
type AgentStatus struct {
	State          State     `json:"state"`
	Health         Health    `json:"health"`
	IdleSeconds    float64   `json:"idle_seconds"`
	LastActivity   time.Time `json:"last_activity"`
	LastCheck      time.Time `json:"last_check"`
	LastCheckHuman string    `json:"last_check_human"`
}
