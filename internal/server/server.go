// Package server exposes the HTTP API: a streaming chat endpoint,
// model catalogue listings, health, and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"charchat/internal/catalog"
	"charchat/internal/chat"
	"charchat/internal/credentials"
	"charchat/internal/llm"
	"charchat/internal/model"
)

const sessionCookie = "key"

// Generator runs one chat turn against a sink.
type Generator interface {
	Generate(ctx context.Context, req chat.Request, sink chat.Sink) error
}

// RateLimiter gates generation requests per profile and chat.
type RateLimiter interface {
	Allow(ctx context.Context, profile, chatID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

type Config struct {
	CORSOrigins []string
	HealthPath  string
	MetricsPath string
}

type Server struct {
	generator Generator
	limiter   RateLimiter
	log       zerolog.Logger
}

func New(generator Generator, limiter RateLimiter, log zerolog.Logger) *Server {
	return &Server{generator: generator, limiter: limiter, log: log}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router(cfg Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	allowAll := len(cfg.CORSOrigins) == 0
	for _, o := range cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
		corsCfg.AllowCredentials = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-Session-Key")
	r.Use(cors.New(corsCfg))

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/healthz"
	}
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r.GET(healthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(metricsPath, gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/models", s.listModels)
	api.GET("/models/image", s.listImageModels)
	api.GET("/models/video", s.listVideoModels)
	api.POST("/chat", s.handleChat)

	return r
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": catalog.ListModels()})
}

func (s *Server) listImageModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": catalog.ListImageModels()})
}

func (s *Server) listVideoModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": catalog.ListVideoModels()})
}

type chatRequestBody struct {
	Chat         model.Chat          `json:"chat"`
	Profile      model.Profile       `json:"profile"`
	Messages     []model.ChatMessage `json:"messages"`
	MessageID    string              `json:"messageId"`
	SelfDestruct bool                `json:"selfDestruct"`
}

func (s *Server) handleChat(c *gin.Context) {
	var body chatRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.String(http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	sessionKey := sessionKeyFrom(c)
	req := chat.Request{
		Chat:         body.Chat,
		Profile:      body.Profile,
		Messages:     body.Messages,
		MessageID:    body.MessageID,
		SelfDestruct: body.SelfDestruct,
		SessionKey:   sessionKey,
	}

	if s.limiter != nil && body.Profile.User != "" {
		allowed, _, resetAt, err := s.limiter.Allow(c.Request.Context(), body.Profile.User, body.Chat.ID, time.Now())
		if err != nil {
			s.log.Warn().Err(err).Msg("rate limiter unavailable")
		} else if !allowed {
			c.Header("Retry-After", resetAt.UTC().Format(http.TimeFormat))
			c.String(http.StatusTooManyRequests, "rate limit exceeded, resets at %s", resetAt.UTC().Format(time.RFC3339))
			return
		}
	}

	sink := newSSESink(c.Writer)
	err := s.generator.Generate(c.Request.Context(), req, sink)
	if err == nil {
		return
	}

	// Nothing streamed yet, a plain status response is still possible.
	if !sink.started() {
		s.log.Warn().Err(err).Str("chat_id", body.Chat.ID).Str("model", body.Chat.LLM).Msg("chat request rejected")
		c.String(statusFor(err), "%v", err)
		return
	}
	s.log.Error().Err(err).Str("chat_id", body.Chat.ID).Msg("stream aborted")
	sink.Error(err)
}

func sessionKeyFrom(c *gin.Context) string {
	if key, err := c.Cookie(sessionCookie); err == nil && key != "" {
		return key
	}
	return c.GetHeader("X-Session-Key")
}

func statusFor(err error) int {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, credentials.ErrNoCredential):
		return http.StatusUnauthorized
	case errors.Is(err, catalog.ErrUnknownModel), errors.Is(err, llm.ErrNoEndpoint):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
