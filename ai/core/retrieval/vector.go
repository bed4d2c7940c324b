package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/orbitgw/orbit/ai/cache"
	"github.com/orbitgw/orbit/ai/core/embedding"
	"github.com/orbitgw/orbit/ai/core/reranker"
	"github.com/orbitgw/orbit/store"
)

// Query embeddings repeat across turns of a conversation; a small LRU keeps
// the embedding backend off the hot path for those.
const (
	embedCacheSize = 512
	embedCacheTTL  = 10 * time.Minute
)

// ChunkSearcher is the slice of the store a vector retriever needs.
type ChunkSearcher interface {
	SearchFileChunks(ctx context.Context, queryEmbedding []float32, find *store.FindFileChunk) ([]*store.ChunkMatch, error)
	Ping(ctx context.Context) error
}

// VectorConfig configures a vector retriever over the embedded chunk corpus.
type VectorConfig struct {
	// Datasource names the corpus for attribution.
	Datasource string
	// FileIDs restricts the search to specific uploads; empty means the
	// whole corpus. File adapters set this, plain vector adapters leave it
	// empty.
	FileIDs []string

	ConfidenceThreshold   float64
	MaxResults            int
	ReturnResults         int
	ConfidenceMapping     string // cosine, exp_scale
	DistanceScalingFactor float64
}

// VectorRetriever embeds the query once, searches the chunk corpus, maps
// distances to confidence, and optionally reranks before truncation.
type VectorRetriever struct {
	embedder   embedding.Service
	searcher   ChunkSearcher
	rerank     reranker.Service
	embedCache *cache.LRU[string, []float32]
	datasource string
	fileIDs    []string
	threshold  float64
	maxResults int
	returnN    int
	mapping    string
	scale      float64
}

// NewVectorRetriever wires a retriever over the chunk corpus. rerank may be
// a disabled instance.
func NewVectorRetriever(embedder embedding.Service, searcher ChunkSearcher, rerank reranker.Service, cfg *VectorConfig) (*VectorRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("vector retriever for %q needs an embedder", cfg.Datasource)
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	returnN := cfg.ReturnResults
	if returnN <= 0 {
		returnN = 5
	}
	mapping := cfg.ConfidenceMapping
	if mapping == "" {
		mapping = "cosine"
	}
	return &VectorRetriever{
		embedder:   embedder,
		searcher:   searcher,
		rerank:     rerank,
		embedCache: cache.NewLRU[string, []float32](embedCacheSize, embedCacheTTL),
		datasource: cfg.Datasource,
		fileIDs:    cfg.FileIDs,
		threshold:  cfg.ConfidenceThreshold,
		maxResults: maxResults,
		returnN:    returnN,
		mapping:    mapping,
		scale:      cfg.DistanceScalingFactor,
	}, nil
}

func (r *VectorRetriever) GetRelevantDocuments(ctx context.Context, query string) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	queryEmbedding, ok := r.embedCache.Get(query)
	if !ok {
		var err error
		queryEmbedding, err = r.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("query embedding failed: %w", err)
		}
		r.embedCache.Set(query, queryEmbedding)
	}

	matches, err := r.searcher.SearchFileChunks(ctx, queryEmbedding, &store.FindFileChunk{
		FileIDs: r.fileIDs,
		Limit:   r.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search against %s failed: %w", r.datasource, err)
	}

	docs := make([]Document, 0, len(matches))
	for _, m := range matches {
		confidence := MapConfidence(m.Distance, r.mapping, r.scale)
		if confidence < r.threshold {
			continue
		}
		docs = append(docs, Document{
			Content: m.Chunk.Content,
			Score:   confidence,
			Metadata: map[string]any{
				"source":    r.datasource,
				"file_id":   m.Chunk.FileID,
				"file_name": m.Chunk.FileName,
				"chunk_idx": m.Chunk.ChunkIdx,
				"distance":  m.Distance,
			},
		})
	}

	if r.rerank != nil && r.rerank.IsEnabled() && len(docs) > 1 {
		docs = r.applyRerank(ctx, query, docs)
	} else {
		// Matches arrive in ascending distance; keep that order, only
		// breaking ties by confidence.
		sort.SliceStable(docs, func(i, j int) bool {
			return docs[i].Score > docs[j].Score
		})
	}

	if len(docs) > r.returnN {
		docs = docs[:r.returnN]
	}

	slog.Debug("retrieval: vector search done",
		"datasource", r.datasource,
		"candidates", len(matches),
		"returned", len(docs),
	)
	return docs, nil
}

// applyRerank reorders by cross-encoder score. A rerank failure is not a
// retrieval failure: distance order already gives a usable result.
func (r *VectorRetriever) applyRerank(ctx context.Context, query string, docs []Document) []Document {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	results, err := r.rerank.Rerank(ctx, query, texts, len(docs))
	if err != nil {
		slog.Warn("retrieval: rerank failed, keeping distance order", "datasource", r.datasource, "error", err)
		return docs
	}
	reordered := make([]Document, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(docs) {
			continue
		}
		d := docs[res.Index]
		d.Metadata["rerank_score"] = res.Score
		reordered = append(reordered, d)
	}
	if len(reordered) == 0 {
		return docs
	}
	return reordered
}

func (r *VectorRetriever) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.searcher.Ping(ctx); err != nil {
		return fmt.Errorf("chunk corpus %s unreachable: %w", r.datasource, err)
	}
	return nil
}
