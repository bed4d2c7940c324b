package retrieval

import (
	"database/sql"
	"fmt"

	"github.com/orbitgw/orbit/ai/config"
	"github.com/orbitgw/orbit/ai/core/embedding"
	"github.com/orbitgw/orbit/ai/core/reranker"
)

// BuilderDeps holds the shared services retrievers are built from.
type BuilderDeps struct {
	// Chunks is the embedded chunk corpus (vector and file adapters).
	Chunks ChunkSearcher
	// Datasources are the opened relational databases, by datasource name.
	Datasources map[string]*sql.DB
	// Embedders are the embedding clients, by provider name.
	Embedders map[string]embedding.Service
	// Rerank may be nil or disabled.
	Rerank reranker.Service
}

// BuildRegistry instantiates one retriever per retriever-kind adapter and
// registers it under the adapter name. Passthrough adapters get no entry.
func BuildRegistry(cfg *config.Config, deps *BuilderDeps) (*Registry, error) {
	registry := NewRegistry()
	for i := range cfg.Adapters {
		a := &cfg.Adapters[i]
		if a.Kind != "retriever" {
			continue
		}

		var (
			retriever Retriever
			err       error
		)
		switch a.ImplementationRef {
		case "sql":
			db, ok := deps.Datasources[a.Datasource]
			if !ok {
				return nil, fmt.Errorf("adapter %q: datasource %q not opened", a.Name, a.Datasource)
			}
			driver := cfg.Datasources[a.Datasource].Driver
			retriever, err = NewSQLRetriever(db, &SQLConfig{
				Datasource:          a.Datasource,
				Driver:              driver,
				Template:            a.Config.Template,
				Params:              a.Config.Params,
				Family:              a.AdapterFamily,
				ConfidenceThreshold: a.Config.ConfidenceThreshold,
				MaxResults:          a.Config.MaxResults,
				ReturnResults:       a.Config.ReturnResults,
			})
		case "vector", "file":
			embedder, ok := deps.Embedders[a.Config.EmbeddingProvider]
			if !ok {
				return nil, fmt.Errorf("adapter %q: embedding provider %q not built", a.Name, a.Config.EmbeddingProvider)
			}
			var rerank reranker.Service
			if a.Config.Rerank {
				rerank = deps.Rerank
			}
			vectorCfg := &VectorConfig{
				Datasource:            a.Name,
				ConfidenceThreshold:   a.Config.ConfidenceThreshold,
				MaxResults:            a.Config.MaxResults,
				ReturnResults:         a.Config.ReturnResults,
				ConfidenceMapping:     a.Config.ConfidenceMapping,
				DistanceScalingFactor: a.Config.DistanceScalingFactor,
			}
			if a.ImplementationRef == "file" {
				vectorCfg.FileIDs = a.Config.FileIDs
			}
			retriever, err = NewVectorRetriever(embedder, deps.Chunks, rerank, vectorCfg)
		default:
			err = fmt.Errorf("unknown implementation_ref %q", a.ImplementationRef)
		}
		if err != nil {
			return nil, fmt.Errorf("adapter %q: %w", a.Name, err)
		}
		if err := registry.Register(a.Name, retriever); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
