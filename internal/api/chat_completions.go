package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"nanochat/internal/inference"
)

// ChatCompletionRequest is the OpenAI-compatible request body.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Seed        *int64        `json:"seed,omitempty"`
	Stream      *bool         `json:"stream,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one streaming SSE chunk.
type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.modelName,
			"object":   "model",
			"created":  s.clock().Unix(),
			"owned_by": "local",
		}},
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine not configured")
	}
	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}

	inferReq, err := toInferenceRequest(&req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	completionID := "chatcmpl-" + uuid.NewString()
	created := s.clock().Unix()
	model := req.Model
	if model == "" {
		model = s.modelName
	}

	if req.Stream != nil && *req.Stream {
		return s.streamCompletion(c, inferReq, completionID, created, model)
	}
	return s.syncCompletion(c, inferReq, completionID, created, model)
}

func (s *Server) syncCompletion(c *echo.Context, req *inference.Request, completionID string, created int64, model string) error {
	s.mu.Lock()
	result, err := s.engine.Generate(c.Request().Context(), req, nil)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("generation failed", "err", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}

	finish := "stop"
	return c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      &ChatMessage{Role: "assistant", Content: result.Text},
			FinishReason: &finish,
		}},
		Usage: ChatUsage{
			PromptTokens:     result.Stats.PromptTokens,
			CompletionTokens: result.Stats.TokensGenerated,
			TotalTokens:      result.Stats.PromptTokens + result.Stats.TokensGenerated,
		},
	})
}

func (s *Server) streamCompletion(c *echo.Context, req *inference.Request, completionID string, created int64, model string) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	chunk := func(choice ChatChoice) error {
		payload, err := json.Marshal(ChatCompletionChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChatChoice{choice},
		})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Role announcement first, then one delta per token.
	if err := chunk(ChatChoice{Index: 0, Delta: &ChatMessage{Role: "assistant"}}); err != nil {
		return err
	}

	s.mu.Lock()
	_, genErr := s.engine.Generate(c.Request().Context(), req, func(token string) {
		_ = chunk(ChatChoice{Index: 0, Delta: &ChatMessage{Content: token}})
	})
	s.mu.Unlock()
	if genErr != nil {
		s.log.Error("streaming generation failed", "err", genErr)
		return genErr
	}

	finish := "stop"
	if err := chunk(ChatChoice{Index: 0, Delta: &ChatMessage{}, FinishReason: &finish}); err != nil {
		return err
	}
	_, err := fmt.Fprint(res, "data: [DONE]\n\n")
	flusher.Flush()
	return err
}

func toInferenceRequest(req *ChatCompletionRequest) (*inference.Request, error) {
	out := &inference.Request{
		Temperature: 0.8,
		TopK:        40,
		TopP:        1,
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
			out.Messages = append(out.Messages, inference.Message{Role: m.Role, Content: m.Content})
		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopK != nil {
		out.TopK = *req.TopK
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.MaxTokens != nil {
		out.MaxNewTokens = *req.MaxTokens
	}
	if req.Seed != nil {
		out.Seed = *req.Seed
	} else {
		out.Seed = time.Now().UnixNano()
	}
	return out, nil
}
