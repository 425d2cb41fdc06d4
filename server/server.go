// Package server exposes the engine over HTTP: request submission with
// streamed or buffered token delivery, cancellation, and stats.
package server

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"fastgen-go/fastgen"
)

// Server bridges the network-facing concurrency to the engine's channel
// handoff. Each in-flight generation holds one semaphore slot so a flood of
// slow stream consumers cannot exhaust handler goroutines.
type Server struct {
	engine   *fastgen.Engine
	log      *logrus.Entry
	inflight *semaphore.Weighted

	mu    sync.Mutex
	seqID map[string]int64 // request id -> engine sequence id
}

// New creates a server around a running engine. maxInflight bounds
// concurrently served generations.
func New(engine *fastgen.Engine, log *logrus.Entry, maxInflight int64) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		engine:   engine,
		log:      log,
		inflight: semaphore.NewWeighted(maxInflight),
		seqID:    make(map[string]int64),
	}
}

// Routes builds the gin handler tree.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/v1/stats", s.handleStats)
	r.POST("/v1/generate", s.handleGenerate)
	r.DELETE("/v1/generate/:id", s.handleCancel)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

// GenerateRequest is the submission payload. Exactly one of prompt or
// prompt_tokens must be set.
type GenerateRequest struct {
	Prompt       string  `json:"prompt"`
	PromptTokens []int   `json:"prompt_tokens"`
	MaxNewTokens int     `json:"max_new_tokens"`
	StopIDs      []int   `json:"stop_ids"`
	Temperature  float64 `json:"temperature"`
	IgnoreEOS    bool    `json:"ignore_eos"`
	Stream       bool    `json:"stream"`
}

// StreamChunk is one NDJSON line of a streamed response.
type StreamChunk struct {
	RequestID string `json:"request_id"`
	TokenID   int    `json:"token_id,omitempty"`
	Text      string `json:"text,omitempty"`
	IsFinal   bool   `json:"is_final,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GenerateResponse is the buffered (non-streaming) response body.
type GenerateResponse struct {
	RequestID string `json:"request_id"`
	TokenIDs  []int  `json:"token_ids"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.inflight.TryAcquire(1) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fastgen.ErrServerBusy.Error()})
		return
	}
	defer s.inflight.Release(1)

	params, err := samplingParams(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	seqID, stream, err := s.engine.Submit(fastgen.GenerationRequest{
		Prompt:       req.Prompt,
		PromptTokens: req.PromptTokens,
		Params:       params,
	})
	if err != nil {
		c.JSON(submitStatus(err), gin.H{"error": err.Error()})
		return
	}

	requestID := uuid.NewString()
	s.mu.Lock()
	s.seqID[requestID] = seqID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.seqID, requestID)
		s.mu.Unlock()
	}()

	// Client disconnect maps to cooperative cancellation.
	go func(done <-chan struct{}) {
		<-done
		s.engine.Cancel(seqID)
	}(c.Request.Context().Done())

	if req.Stream {
		s.streamResponse(c, requestID, stream)
		return
	}
	s.bufferedResponse(c, requestID, stream)
}

func (s *Server) streamResponse(c *gin.Context, requestID string, stream <-chan fastgen.StreamEvent) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	enc := newLineEncoder(c.Writer)
	for ev := range stream {
		chunk := StreamChunk{RequestID: requestID}
		if ev.IsFinal {
			chunk.IsFinal = true
			chunk.Status = ev.Status.String()
			if ev.Err != nil {
				chunk.Error = ev.Err.Error()
			}
		} else {
			chunk.TokenID = ev.TokenID
			chunk.Text = ev.Text
		}
		if err := enc.write(chunk); err != nil {
			s.log.WithError(err).Debug("stream write failed, client gone")
			return
		}
	}
}

func (s *Server) bufferedResponse(c *gin.Context, requestID string, stream <-chan fastgen.StreamEvent) {
	resp := GenerateResponse{RequestID: requestID}
	var text []byte
	for ev := range stream {
		if ev.IsFinal {
			resp.Status = ev.Status.String()
			if ev.Err != nil {
				resp.Error = ev.Err.Error()
			}
			continue
		}
		resp.TokenIDs = append(resp.TokenIDs, ev.TokenID)
		text = append(text, ev.Text...)
	}
	resp.Text = string(text)

	status := http.StatusOK
	if resp.Status == fastgen.StatusFailed.String() {
		status = http.StatusInternalServerError
	}
	c.JSON(status, resp)
}

// handleCancel cancels a request by id. Idempotent: cancelling an unknown or
// already terminal request is a no-op.
func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	seqID, ok := s.seqID[id]
	s.mu.Unlock()
	if ok {
		s.engine.Cancel(seqID)
	}
	c.JSON(http.StatusOK, gin.H{"request_id": id, "status": "cancelling"})
}

func samplingParams(req *GenerateRequest) (*fastgen.SamplingParams, error) {
	opts := []fastgen.SamplingOption{}
	if req.MaxNewTokens > 0 {
		opts = append(opts, fastgen.WithMaxNewTokens(req.MaxNewTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, fastgen.WithTemperature(req.Temperature))
	}
	if len(req.StopIDs) > 0 {
		opts = append(opts, fastgen.WithStopIDs(req.StopIDs...))
	}
	if req.IgnoreEOS {
		opts = append(opts, fastgen.WithIgnoreEOS(true))
	}
	return fastgen.NewSamplingParams(opts...)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, fastgen.ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, fastgen.ErrServerBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, fastgen.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
