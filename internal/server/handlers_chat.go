package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/toolfence/internal/relay"
)

type chatRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// handleChat streams a filtered upstream completion as server-sent events:
// "text" for display text, "tool" for each suppressed tool call, and a final
// "done" (or "error") event.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, errTypeInvalidRequest, "body must be {\"prompt\": string}")
		return
	}

	ctx := c.Request.Context()
	src, err := s.newSource(ctx, req.Prompt)
	if err != nil {
		abortWithError(c, http.StatusBadGateway, errTypeUpstream, err.Error())
		return
	}
	defer src.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sink := relay.SinkFuncs{
		Text: func(text string) error {
			c.SSEvent("text", gin.H{"text": text})
			c.Writer.Flush()
			return nil
		},
		Indicator: func(indicator string) error {
			c.SSEvent("tool", gin.H{"indicator": indicator, "tool": toolName(indicator)})
			c.Writer.Flush()
			return nil
		},
	}

	r := relay.New(uuid.New().String(), sink, s.relayOptions()...)
	if err := r.Run(ctx, src); err != nil {
		logrus.WithError(err).WithField("stream_id", r.ID()).Warn("Chat stream failed")
		c.SSEvent("error", errorResponse{Error: errorBody{Message: err.Error(), Type: errTypeUpstream}})
		c.Writer.Flush()
		return
	}

	c.SSEvent("done", gin.H{"id": r.ID(), "stats": r.Stats()})
	c.Writer.Flush()
}

func (s *Server) handleListToolCalls(c *gin.Context) {
	if s.audit == nil {
		abortWithError(c, http.StatusNotFound, errTypeNotFound, "audit store is disabled")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, errTypeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.audit.ListToolCalls(c.Query("stream_id"), limit)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, errTypeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool_calls": records})
}
