package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/toolfence/internal/relay"
)

type chunkRequest struct {
	Text *string `json:"text" binding:"required"`
}

type chunkResponse struct {
	Output         string   `json:"output"`
	ToolIndicator  string   `json:"tool_indicator"`
	ToolIndicators []string `json:"tool_indicators"`
}

func (s *Server) handleOpenStream(c *gin.Context) {
	stream := s.manager.Open()
	c.JSON(http.StatusCreated, gin.H{"id": stream.ID})
}

func (s *Server) handleListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": s.manager.List()})
}

func (s *Server) handleGetStream(c *gin.Context) {
	stream, ok := s.manager.Get(c.Param("id"))
	if !ok {
		abortWithStreamError(c, relay.ErrStreamNotFound)
		return
	}
	c.JSON(http.StatusOK, stream.Info())
}

func (s *Server) handlePushChunk(c *gin.Context) {
	var req chunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, errTypeInvalidRequest, "body must be {\"text\": string}")
		return
	}

	res, err := s.manager.Push(c.Request.Context(), c.Param("id"), *req.Text)
	if err != nil {
		abortWithStreamError(c, err)
		return
	}

	indicators := res.ToolIndicators
	if indicators == nil {
		indicators = []string{}
	}
	c.JSON(http.StatusOK, chunkResponse{
		Output:         res.Output,
		ToolIndicator:  res.ToolIndicator,
		ToolIndicators: indicators,
	})
}

func (s *Server) handleFlushStream(c *gin.Context) {
	out, err := s.manager.Finish(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithStreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

func (s *Server) handleResetStream(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Reset(id); err != nil {
		abortWithStreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": relay.StatusActive})
}

func (s *Server) handleCloseStream(c *gin.Context) {
	if err := s.manager.Close(c.Request.Context(), c.Param("id")); err != nil {
		abortWithStreamError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
