// Package api exposes the engine over an OpenAI-compatible HTTP surface:
// chat completions with optional SSE streaming, plus model listing and a
// health probe.
package api

import (
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"nanochat/internal/inference"
	"nanochat/internal/logger"
)

// Server holds the handlers' shared state. The engine runs one generation at
// a time, so requests serialize on the mutex; concurrent callers queue rather
// than interleave cache state.
type Server struct {
	engine    *inference.Engine
	modelName string
	log       logger.Logger

	mu    sync.Mutex
	clock func() time.Time
}

// NewServer wires a server around an engine.
func NewServer(engine *inference.Engine, modelName string, log logger.Logger) *Server {
	if modelName == "" {
		modelName = "nanochat"
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		engine:    engine,
		modelName: modelName,
		log:       log.With("component", "api"),
		clock:     time.Now,
	}
}

// Register mounts all routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
}
