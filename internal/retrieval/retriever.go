package retrieval

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable wraps any transport or auth failure from the embedder or
// index. Callers treat it as recoverable and degrade to no-context
// generation; an empty result is a valid non-error outcome.
var ErrUnavailable = errors.New("retrieval unavailable")

const DefaultTopK = 2

// Passage is one retrieved fragment of ingested document text, in the
// relevance order returned by the index.
type Passage struct {
	Text       string  `json:"text"`
	DocumentID string  `json:"document_id,omitempty"`
	Score      float32 `json:"score"`
}

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever embeds a query and searches the vector index within a namespace.
type Retriever struct {
	embedder QueryEmbedder
	index    *Index
}

func NewRetriever(embedder QueryEmbedder, index *Index) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Retrieve returns up to k passages for the query, most relevant first. No
// score threshold is applied; weak matches are still returned.
func (r *Retriever) Retrieve(ctx context.Context, namespace, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrUnavailable, err)
	}

	matches, err := r.index.Query(ctx, namespace, vec, k)
	if err != nil {
		return nil, fmt.Errorf("%w: query index: %v", ErrUnavailable, err)
	}

	passages := make([]Passage, 0, len(matches))
	for _, m := range matches {
		text := m.Metadata["text"]
		if text == "" {
			continue
		}
		passages = append(passages, Passage{
			Text:       text,
			DocumentID: m.Metadata["document_id"],
			Score:      m.Score,
		})
	}
	return passages, nil
}
