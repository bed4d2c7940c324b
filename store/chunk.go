package store

// FileChunk is one embedded chunk of an uploaded file, indexed in the local
// vector store and queried by the file retriever.
type FileChunk struct {
	ID        int64
	FileID    string
	FileName  string
	ChunkIdx  int32
	Content   string
	Embedding []float32
	CreatedTs int64
}

// FindFileChunk filters chunk similarity search. FileIDs empty means all files.
type FindFileChunk struct {
	FileIDs []string
	Limit   int
}

// ChunkMatch is a chunk with its raw vector distance to the query embedding.
type ChunkMatch struct {
	Chunk    *FileChunk
	Distance float64
}
