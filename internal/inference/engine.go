package inference

import (
	"context"
	"fmt"

	"nanochat/internal/logger"
	"nanochat/internal/model"
	"nanochat/internal/tokenizer"
)

// StreamFunc receives decoded text for each generated token.
type StreamFunc func(token string)

// Request is one chat completion request.
type Request struct {
	Messages     []Message
	MaxNewTokens int
	Temperature  float32
	TopK         int
	TopP         float32
	Seed         int64
}

// Result is the completed response.
type Result struct {
	Text  string
	Stats Stats
}

// Engine renders conversations, runs the generation loop and decodes the
// streamed tokens. One engine serves requests sequentially; callers that want
// concurrency must serialize access themselves.
type Engine struct {
	model *model.Model
	tok   *tokenizer.Tokenizer
	gen   *Generator
	stops []int
	log   logger.Logger
}

// NewEngine builds an engine around a loaded model and tokenizer.
func NewEngine(m *model.Model, tok *tokenizer.Tokenizer, log logger.Logger) (*Engine, error) {
	if m == nil || tok == nil {
		return nil, fmt.Errorf("model and tokenizer are required")
	}
	// Equality, not <=: a smaller tokenizer would let the sampler pick ids
	// the decoder cannot render, failing mid-generation.
	if tok.VocabSize() != m.Config().VocabSize {
		return nil, fmt.Errorf("tokenizer vocabulary (%d) must match model vocabulary (%d)",
			tok.VocabSize(), m.Config().VocabSize)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		model: m,
		tok:   tok,
		gen:   NewGenerator(m),
		stops: BuildStopTokens(tok),
		log:   log.With("component", "engine"),
	}, nil
}

// Generate runs one request to completion, streaming decoded tokens as they
// are sampled.
func (e *Engine) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}
	promptIDs, err := RenderConversation(e.tok, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("render conversation: %w", err)
	}

	maxNew := req.MaxNewTokens
	if maxNew <= 0 {
		maxNew = 256
	}
	e.log.Debug("generation start", "prompt_tokens", len(promptIDs), "max_new", maxNew)

	var cb TokenCallback
	if stream != nil {
		cb = func(seq, token, pos int) bool {
			text, err := e.tok.Decode([]int{token})
			if err == nil {
				stream(text)
			}
			return true
		}
	}

	seqs, stats, err := e.gen.Generate(ctx, promptIDs, GenerateOptions{
		MaxNewTokens: maxNew,
		Temperature:  req.Temperature,
		TopK:         req.TopK,
		TopP:         req.TopP,
		Seed:         req.Seed,
		StopTokens:   e.stops,
		UseCache:     true,
	}, cb)
	if err != nil {
		return nil, err
	}

	text, err := e.tok.Decode(seqs[0][len(promptIDs):])
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	e.log.Info("generation done", "tokens", stats.TokensGenerated, "tps", fmt.Sprintf("%.1f", stats.TPS))
	return &Result{Text: CleanResponse(text), Stats: stats}, nil
}

// Tokenizer exposes the engine's tokenizer for prompt accounting.
func (e *Engine) Tokenizer() *tokenizer.Tokenizer { return e.tok }

// Model exposes the engine's model configuration.
func (e *Engine) Model() *model.Model { return e.model }
