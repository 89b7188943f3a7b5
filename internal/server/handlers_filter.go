package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/toolfence/internal/relay"
	"github.com/tingly-dev/toolfence/internal/source"
	"github.com/tingly-dev/toolfence/internal/sse"
	"github.com/tingly-dev/toolfence/internal/toolfilter"
)

// IndicatorsTrailer carries the JSON array of tool indicators after a
// /v1/filter response body.
const IndicatorsTrailer = "X-Tool-Indicators"

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"streams": s.manager.Len(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"version": s.version,
		"streams": s.manager.List(),
		"audit":   s.audit != nil,
	}
	if s.audit != nil {
		counts, err := s.audit.CountByTool()
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, errTypeInternal, err.Error())
			return
		}
		resp["tool_counts"] = counts
	}
	c.JSON(http.StatusOK, resp)
}

// readSize returns the read_size query parameter or the configured size.
func (s *Server) readSize(c *gin.Context) (int, bool) {
	raw := c.Query("read_size")
	if raw == "" {
		return s.config.ReadSize(), true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		abortWithError(c, http.StatusBadRequest, errTypeInvalidRequest, "read_size must be a positive integer")
		return 0, false
	}
	return n, true
}

// handleFilter streams the request body through a filter and the filtered
// text back, chunk by chunk.
func (s *Server) handleFilter(c *gin.Context) {
	size, ok := s.readSize(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Trailer", IndicatorsTrailer)
	c.Status(http.StatusOK)

	indicators := []string{}
	sink := relay.SinkFuncs{
		Text: func(text string) error {
			if _, err := c.Writer.WriteString(text); err != nil {
				return err
			}
			c.Writer.Flush()
			return nil
		},
		Indicator: func(indicator string) error {
			indicators = append(indicators, indicator)
			return nil
		},
	}

	r := relay.New(uuid.New().String(), sink, s.relayOptions()...)
	err := r.Run(c.Request.Context(), source.NewReaderSource(c.Request.Body, size))
	if err != nil {
		logrus.WithError(err).WithField("stream_id", r.ID()).Warn("Filter request ended early")
	}

	encoded, _ := json.Marshal(indicators)
	c.Writer.Header().Set(IndicatorsTrailer, string(encoded))
}

// handleFilterSSE rewrites an OpenAI chat completion event stream.
func (s *Server) handleFilterSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	id := uuid.New().String()
	stats := relay.Stats{StartedAt: time.Now()}
	hook := func(in string, res toolfilter.Result) {
		if in != "" {
			stats.Chunks++
			stats.BytesIn += len(in)
		}
		stats.BytesOut += len(res.Output)
		for _, o := range s.observers {
			if in != "" {
				o.ObserveChunk(ctx, id, len(in), len(res.Output))
			}
			for _, indicator := range res.ToolIndicators {
				o.ObserveTool(ctx, id, toolName(indicator))
			}
		}
		stats.ToolCalls += len(res.ToolIndicators)
	}

	err := sse.NewRewriter(hook).Rewrite(ctx, c.Request.Body, c.Writer)
	if err != nil {
		logrus.WithError(err).WithField("stream_id", id).Warn("SSE rewrite ended early")
	}

	stats.FinishedAt = time.Now()
	for _, o := range s.observers {
		o.ObserveFinish(ctx, id, stats)
	}
}

func toolName(indicator string) string {
	if len(indicator) > len(toolfilter.IndicatorPrefix) {
		return indicator[len(toolfilter.IndicatorPrefix):]
	}
	return ""
}
