package store

// APIKey binds an opaque client token to a named adapter and an optional
// system prompt. Deactivation is soft: Active flips to false, history stays.
type APIKey struct {
	ID             int32
	Token          string
	ClientName     string
	AdapterName    string
	SystemPromptID *int32
	Active         bool
	CreatedTs      int64
	LastUsedTs     int64
	Notes          string
}

type FindAPIKey struct {
	ID          *int32
	Token       *string
	AdapterName *string
	Active      *bool
}

type UpdateAPIKey struct {
	ID             int32
	ClientName     *string
	AdapterName    *string
	SystemPromptID *int32
	Active         *bool
	LastUsedTs     *int64
	Notes          *string
}

type DeleteAPIKey struct {
	ID int32
}
