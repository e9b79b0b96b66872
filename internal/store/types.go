package store

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is a message waiting to be posted to the backend.
type OutboxEntry struct {
	ID             int64
	ClientID       string
	ConversationID string
	Content        string
	Kind           string
	Status         string
	ErrorMessage   string
	ServerMsgID    string
	Attempts       int
	CreatedAt      int64
}
