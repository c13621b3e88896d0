package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"bookchat/internal/model"
	"bookchat/internal/retrieval"
)

const (
	defaultChunkSize    = 400
	defaultChunkOverlap = 50
	embeddingBatchSize  = 10 // embedding APIs often limit batch size
)

var ErrDocumentNotFound = errors.New("document not found")

type DocumentStore interface {
	Create(ctx context.Context, doc *model.Document) error
	ListByUserID(ctx context.Context, userID uint) ([]model.Document, error)
	GetByIDAndUserID(ctx context.Context, id, userID uint) (*model.Document, error)
	DeleteByIDAndUserID(ctx context.Context, id, userID uint) error
}

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, namespace string, vectors []retrieval.Vector) error
	DeleteByDocument(ctx context.Context, namespace, documentID string) error
}

type FileStore interface {
	Save(key string, data []byte) (string, error)
	Delete(path string) error
}

// LibraryService ingests uploaded documents: store the file, chunk the
// extracted text, embed the chunks, and upsert them into the user's
// namespace of the vector index.
type LibraryService struct {
	docStore DocumentStore
	embedder BatchEmbedder
	index    VectorIndex
	files    FileStore
}

func NewLibraryService(docStore DocumentStore, embedder BatchEmbedder, index VectorIndex, files FileStore) *LibraryService {
	return &LibraryService{
		docStore: docStore,
		embedder: embedder,
		index:    index,
		files:    files,
	}
}

type IngestInput struct {
	UserID   uint
	Title    string
	Author   string
	Filename string
	Raw      []byte
	Text     string
}

type IngestResult struct {
	Document   model.Document `json:"document"`
	ChunkCount int            `json:"chunk_count"`
}

// Ingest stores the raw file, records the document, and indexes its chunks
// under the user's namespace.
func (s *LibraryService) Ingest(ctx context.Context, input IngestInput) (*IngestResult, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, ErrInvalidInput
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = strings.TrimSuffix(input.Filename, filepath.Ext(input.Filename))
		if title == "" {
			title = "Untitled"
		}
	}

	pieces := chunkText(text, defaultChunkSize, defaultChunkOverlap)
	if len(pieces) == 0 {
		return nil, ErrInvalidInput
	}

	namespace := model.UserNamespace(input.UserID)

	key := fmt.Sprintf("%d/%s%s", input.UserID, uuid.NewString(), filepath.Ext(input.Filename))
	storagePath, err := s.files.Save(key, input.Raw)
	if err != nil {
		return nil, fmt.Errorf("store uploaded file failed: %w", err)
	}

	doc := &model.Document{
		UserID:      input.UserID,
		Title:       title,
		Author:      strings.TrimSpace(input.Author),
		Filename:    input.Filename,
		StoragePath: storagePath,
		Namespace:   namespace,
	}
	if err := s.docStore.Create(ctx, doc); err != nil {
		_ = s.files.Delete(storagePath)
		return nil, err
	}

	var embeddings [][]float32
	for i := 0; i < len(pieces); i += embeddingBatchSize {
		end := i + embeddingBatchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		batched, err := s.embedder.EmbedBatch(ctx, pieces[i:end])
		if err != nil {
			s.discardIngest(ctx, doc, storagePath)
			return nil, err
		}
		embeddings = append(embeddings, batched...)
	}
	if len(embeddings) != len(pieces) {
		s.discardIngest(ctx, doc, storagePath)
		return nil, errors.New("embedding count mismatch")
	}

	docID := fmt.Sprintf("%d", doc.ID)
	vectors := make([]retrieval.Vector, len(pieces))
	for i := range pieces {
		vectors[i] = retrieval.Vector{
			ID:     fmt.Sprintf("doc%d-%d", doc.ID, i),
			Values: embeddings[i],
			Metadata: map[string]string{
				"text":        pieces[i],
				"document_id": docID,
			},
		}
	}
	if err := s.index.Upsert(ctx, namespace, vectors); err != nil {
		s.discardIngest(ctx, doc, storagePath)
		return nil, err
	}

	return &IngestResult{
		Document:   *doc,
		ChunkCount: len(vectors),
	}, nil
}

// discardIngest undoes the record and stored file of a failed ingest so a
// document never lists without its vectors.
func (s *LibraryService) discardIngest(ctx context.Context, doc *model.Document, storagePath string) {
	_ = s.docStore.DeleteByIDAndUserID(ctx, doc.ID, doc.UserID)
	_ = s.files.Delete(storagePath)
}

func (s *LibraryService) ListDocuments(ctx context.Context, userID uint) ([]model.Document, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.docStore.ListByUserID(ctx, userID)
}

// DeleteDocument removes the document's vectors, its stored file, and the
// record.
func (s *LibraryService) DeleteDocument(ctx context.Context, userID, documentID uint) error {
	if userID == 0 || documentID == 0 {
		return ErrInvalidInput
	}
	doc, err := s.docStore.GetByIDAndUserID(ctx, documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}
	if err := s.index.DeleteByDocument(ctx, doc.Namespace, fmt.Sprintf("%d", doc.ID)); err != nil {
		return err
	}
	_ = s.files.Delete(doc.StoragePath)
	return s.docStore.DeleteByIDAndUserID(ctx, doc.ID, userID)
}

// chunkText splits text into overlapping chunks by rune count.
func chunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap >= size {
		overlap = size / 2
	}
	var pieces []string
	runes := []rune(text)
	for i := 0; i < len(runes); {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[i:end]))
		i += size - overlap
		if i >= len(runes) {
			break
		}
	}
	return pieces
}
