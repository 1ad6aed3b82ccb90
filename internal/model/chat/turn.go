package chat

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// Turn is one entry of the conversation log. Turns are created by the
// conversation store and handed out by value.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryEntry converts the turn into its wire form.
func (t Turn) HistoryEntry() HistoryEntry {
	return HistoryEntry{Role: t.Role, Content: t.Content}
}
