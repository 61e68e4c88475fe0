package database

import "time"

// AgentState is a durable key/value record. The update loop stores its
// lastUpdate timestamp here so the schedule survives restarts.
type AgentState struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"size:256" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UpdateLog records the outcome of one update cycle event (check,
// download, verify, apply).
type UpdateLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Event     string    `gorm:"size:32;index" json:"event"`
	Success   bool      `json:"success"`
	Version   string    `gorm:"size:64" json:"version,omitempty"`
	URL       string    `gorm:"size:512" json:"url,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Output    string    `gorm:"type:text" json:"output,omitempty"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// TableName table name for AgentState
func (AgentState) TableName() string {
	return "agent_states"
}

// TableName table name for UpdateLog
func (UpdateLog) TableName() string {
	return "update_logs"
}
