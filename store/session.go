package store

// Session is an ordered, bounded log of messages identified by a session id
// supplied (or minted) per request.
type Session struct {
	SessionID      string
	CreatedTs      int64
	LastActivityTs int64
	MessageCount   int32
}

type FindSession struct {
	SessionID *string
}

// Message is one turn inside a session. Ordinal is strictly increasing
// within a session and never reused.
type Message struct {
	ID            int64
	SessionID     string
	Ordinal       int64
	Role          string // user, assistant, system
	Content       string
	Blocked       bool
	TokenEstimate int32
	CreatedTs     int64
}

type FindMessage struct {
	SessionID string
	// Limit returns the newest Limit messages in ascending ordinal order.
	// Zero means no limit.
	Limit int
}

// AppendMessage describes a single message append. The driver assigns the
// ordinal under per-session serialization.
type AppendMessage struct {
	SessionID     string
	Role          string
	Content       string
	Blocked       bool
	TokenEstimate int32
}
