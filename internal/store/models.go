package store

import "time"

// Strategy is the routing decision fixed on a chat at creation time.
type Strategy string

const (
	StrategySmall Strategy = "small"
	StrategyLarge Strategy = "large"
)

func (s Strategy) Valid() bool {
	return s == StrategySmall || s == StrategyLarge
}

type ChatStatus string

const (
	ChatStatusReady ChatStatus = "ready"
	// ChatStatusUploadPending marks a chat whose remote artifact exists but whose
	// raw file has not reached blob storage yet.
	ChatStatusUploadPending ChatStatus = "upload_pending"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type User struct {
	ID             string    `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Chat struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Title     string     `json:"title"`
	Strategy  Strategy   `json:"strategy"`
	Reference string     `json:"reference,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	Status    ChatStatus `json:"status"`
	Documents []Document `json:"documents"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewChat carries the fields a chat is created with. Everything except Status
// is frozen once the row exists.
type NewChat struct {
	OwnerID   string
	Title     string
	Strategy  Strategy
	Reference string
	Summary   string
	Status    ChatStatus
}

type Document struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type Message struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"-"` // insertion order, tiebreak for equal timestamps
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
