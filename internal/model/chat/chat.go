package chat

import "time"

// Status is the advisory generation flag shown by the UI.
type Status string

const (
	StatusActive     Status = "active"
	StatusGenerating Status = "generating"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusGenerating
}

// Chat is one conversation. Revision is the store's version token and is
// not part of the persisted body.
type Chat struct {
	ID        string    `json:"id" validate:"required,excludes=_"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
	Pinned    bool      `json:"pinned,omitempty"`
	// Sequence is the highest message index ever allocated in this chat.
	Sequence int    `json:"sequence"`
	Revision string `json:"revision,omitempty"`
}

// Profile carries the caller's preferences used to build the system prompt,
// plus optional provider credentials.
type Profile struct {
	UserID             string            `json:"userId" validate:"required"`
	Name               string            `json:"name,omitempty"`
	Occupation         string            `json:"occupation,omitempty"`
	Traits             []string          `json:"traits,omitempty"`
	About              string            `json:"about,omitempty"`
	CustomInstructions string            `json:"customInstructions,omitempty"`
	Language           string            `json:"language,omitempty"`
	Temperature        *float64          `json:"temperature,omitempty"`
	MaxTokens          *int              `json:"maxTokens,omitempty"`
	ProviderKeys       map[string]string `json:"providerKeys,omitempty"`
}

// Redacted returns a copy without provider credentials, safe to persist.
func (p Profile) Redacted() Profile {
	p.ProviderKeys = nil
	p.Traits = append([]string(nil), p.Traits...)
	return p
}
