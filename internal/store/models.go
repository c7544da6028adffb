package store

import "time"

// Conversation represents one external or synthetic message intended for
// the agent. Inbound items start in StatusPending; outbound items are
// audit-only and start in StatusDelivered (see spec.md §3).
type Conversation struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Direction   string    `gorm:"not null;index:idx_conv_priority,priority:1"` // "inbound" | "outbound"
	Channel     string    `gorm:"not null"`
	Endpoint    *string   // nil = no addressee within the channel
	Content     string    `gorm:"not null"`
	Status      string    `gorm:"not null;index:idx_conv_priority,priority:2"` // pending|running|delivered|failed
	Priority    int       `gorm:"not null;default:3;index:idx_conv_priority,priority:3"`
	RequireIdle bool      `gorm:"not null;default:false"`
	RetryCount  int       `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null;index:idx_conv_priority,priority:4"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// Control represents an instruction the supervisor needs the agent to
// acknowledge (heartbeat, restart directive, daily task prompt).
type Control struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	Content       string     `gorm:"not null"`
	// No gorm "default" tag here: that tag makes GORM omit the field from
	// INSERT whenever it holds Go's zero value, letting the column's SQL
	// default (3) fill in instead — which would silently turn an explicit,
	// meaningful priority 0 (the heartbeat priority, spec.md §4.D) back into
	// 3. The column still carries DEFAULT 3 for any insert outside this
	// package's InsertControl.
	Priority      int        `gorm:"not null;index:idx_ctrl_priority,priority:1"`
	RequireIdle   bool       `gorm:"not null;default:false"`
	BypassState   bool       `gorm:"not null;default:false"`
	AckDeadlineAt *time.Time `gorm:"index:idx_ctrl_deadline"`
	AvailableAt   *time.Time `gorm:"index:idx_ctrl_available"`
	Status        string     `gorm:"not null;index:idx_ctrl_priority,priority:2"` // pending|running|done|failed|timeout
	RetryCount    int        `gorm:"not null;default:0"`
	LastError     string     `gorm:"not null;default:''"`
	CreatedAt     time.Time  `gorm:"not null;index:idx_ctrl_priority,priority:3"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (Control) TableName() string { return "controls" }

// Checkpoint is a watermark linking a contiguous, non-overlapping range of
// conversation ids to a short summary produced by the (external)
// memory-summarisation skill.
type Checkpoint struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement"`
	StartConversationID  int64     `gorm:"not null"`
	EndConversationID    int64     `gorm:"not null;index"`
	Summary              string    `gorm:"not null;default:''"`
	Timestamp            time.Time `gorm:"not null"`
}

func (Checkpoint) TableName() string { return "checkpoints" }

// Status values shared by Conversation and Control.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusDelivered = "delivered" // conversation-only terminal state
	StatusDone      = "done"      // control-only terminal state
	StatusFailed    = "failed"
	StatusTimeout   = "timeout" // control-only terminal state
)

// Direction values for Conversation.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)
