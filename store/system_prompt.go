package store

// SystemPrompt is a named prompt text referenced by API keys.
// Updates bump Version and UpdatedTs; the text is otherwise immutable
// once associated with a live key.
type SystemPrompt struct {
	ID        int32
	Name      string
	Text      string
	Version   int32
	CreatedTs int64
	UpdatedTs int64
}

type FindSystemPrompt struct {
	ID   *int32
	Name *string
}

type UpdateSystemPrompt struct {
	ID   int32
	Name *string
	Text *string
}

type DeleteSystemPrompt struct {
	ID int32
}
