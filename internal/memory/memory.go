package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/philippgille/chromem-go"
	openai "github.com/sashabaranov/go-openai"
)

const embeddingInputMaxChars = 8000

// Embedder produces a vector for a text snippet.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder embeds text through the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	// Truncate input before the API call to avoid request rejection
	if len(text) > embeddingInputMaxChars {
		text = text[:embeddingInputMaxChars]
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data returned")
	}
	return resp.Data[0].Embedding, nil
}

// Manager stores conversation snippets in a persistent vector collection
// and recalls the ones most similar to a query.
type Manager struct {
	db         *chromem.DB
	collection string
	embedder   Embedder
	topK       int
	logger     *slog.Logger
}

func NewManager(path, collection string, embedder Embedder, topK int) (*Manager, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating memory dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("initializing vector db: %w", err)
	}
	if topK <= 0 {
		topK = 5
	}
	return &Manager{
		db:         db,
		collection: collection,
		embedder:   embedder,
		topK:       topK,
		logger:     slog.Default().With("component", "memory"),
	}, nil
}

// Remember stores one snippet with metadata.
func (m *Manager) Remember(ctx context.Context, text string, meta map[string]string) error {
	vector, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}

	// Nil embedding func because we provide embeddings
	col, err := m.db.GetOrCreateCollection(m.collection, nil, nil)
	if err != nil {
		return fmt.Errorf("opening collection: %w", err)
	}

	now := time.Now()
	id := ulid.MustNew(ulid.Timestamp(now), rand.New(rand.NewSource(now.UnixNano()))).String()

	// AddDocuments is upsert in chromem
	return col.AddDocuments(ctx, []chromem.Document{
		{
			ID:        id,
			Metadata:  meta,
			Embedding: vector,
			Content:   text,
		},
	}, 1)
}

// Recall returns up to topK stored snippets similar to query. An empty or
// missing collection recalls nothing.
func (m *Manager) Recall(ctx context.Context, query string) ([]string, error) {
	col := m.db.GetCollection(m.collection, nil)
	if col == nil {
		return nil, nil
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	limit := m.topK
	if count < limit {
		limit = count
	}

	docs, err := col.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying memory: %w", err)
	}

	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Content)
	}
	m.logger.Debug("Memory recalled", "query_len", len(query), "results", len(out))
	return out, nil
}
