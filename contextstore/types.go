package contextstore

import "time"

// Role identifies who produced a context entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid returns true if the role is a known valid role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Entry is one immutable item in the shared conversation log.
// Seq is assigned by the store and is the single ordering authority;
// client timestamps never participate in ordering.
type Entry struct {
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"session_id,omitempty"` // empty for server-generated entries
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Intent    string    `json:"intent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
