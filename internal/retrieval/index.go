package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// IndexConfig holds API settings for a Pinecone-style vector index.
type IndexConfig struct {
	BaseURL string
	APIKey  string
}

// Vector is one embedded passage stored in the index. Metadata carries the
// passage text and owning document so matches can be turned back into
// passages and deleted alongside their document.
type Vector struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type match struct {
	ID       string            `json:"id"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

// Index is an HTTP client for the vector index. All calls are scoped to a
// namespace so one user's passages never leak into another's results.
type Index struct {
	cfg        IndexConfig
	httpClient *http.Client
}

func NewIndex(cfg IndexConfig) *Index {
	return &Index{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Query returns up to topK matches for the vector, most relevant first.
func (x *Index) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]match, error) {
	raw, err := x.postJSON(ctx, "/query", map[string]interface{}{
		"namespace":       namespace,
		"vector":          vector,
		"topK":            topK,
		"includeMetadata": true,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Matches []match `json:"matches"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse query response failed: %w", err)
	}
	return parsed.Matches, nil
}

func (x *Index) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	_, err := x.postJSON(ctx, "/vectors/upsert", map[string]interface{}{
		"namespace": namespace,
		"vectors":   vectors,
	})
	return err
}

// DeleteByDocument removes all vectors belonging to a document from the
// namespace.
func (x *Index) DeleteByDocument(ctx context.Context, namespace, documentID string) error {
	_, err := x.postJSON(ctx, "/vectors/delete", map[string]interface{}{
		"namespace": namespace,
		"filter": map[string]interface{}{
			"document_id": map[string]string{"$eq": documentID},
		},
	})
	return err
}

func (x *Index) postJSON(ctx context.Context, path string, body interface{}) ([]byte, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal index request failed: %w", err)
	}

	url := strings.TrimRight(x.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build index request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", x.cfg.APIKey)

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("index request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read index response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("index response status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}
