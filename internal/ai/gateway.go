package ai

import "context"

// Gateway binds the OpenAI-compatible client to one chat configuration so
// callers only deal with prompt turns.
type Gateway struct {
	client *OpenAICompatibleClient
	cfg    ChatConfig
}

func NewGateway(client *OpenAICompatibleClient, cfg ChatConfig) *Gateway {
	if client == nil {
		client = NewOpenAICompatibleClient()
	}
	return &Gateway{client: client, cfg: cfg}
}

func (g *Gateway) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	return g.client.Complete(ctx, g.cfg, messages)
}

// Embedder binds the client to one embedding configuration.
type Embedder struct {
	client *OpenAICompatibleClient
	cfg    EmbeddingConfig
}

func NewEmbedder(client *OpenAICompatibleClient, cfg EmbeddingConfig) *Embedder {
	if client == nil {
		client = NewOpenAICompatibleClient()
	}
	return &Embedder{client: client, cfg: cfg}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.cfg, text)
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.client.EmbedBatch(ctx, e.cfg, texts)
}
