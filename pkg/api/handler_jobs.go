package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/seekerlab/seeker/pkg/events"
	"github.com/seekerlab/seeker/pkg/mcp"
	"github.com/seekerlab/seeker/pkg/models"
)

// handleSubmitJob accepts a raw research submission (body = tool
// arguments) and always enqueues asynchronously. It shares the
// normalization and idempotency path with tools/call via the dispatcher.
func (s *Server) handleSubmitJob(c *gin.Context) {
	var args map[string]any
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON object"})
		return
	}
	args["async"] = true

	result, rpcErr := s.deps.Dispatcher.CallTool(c.Request.Context(), caller(c), "research", args)
	if rpcErr != nil {
		if rpcErr.Code == mcp.CodeInsufficientScope {
			s.writeScopeChallenge(c, mcp.ScopeResearchWrite)
			c.JSON(http.StatusForbidden, gin.H{"error": rpcErr.Message})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": rpcErr.Message, "data": rpcErr.Data})
		return
	}
	if result.IsError {
		c.JSON(http.StatusUnprocessableEntity, result.StructuredContent)
		return
	}
	c.JSON(http.StatusOK, result.StructuredContent)
}

// handleJobEvents streams a job's journal as SSE. The cursor comes from
// since_event_id or the Last-Event-ID header; events replay from there
// in id order, then the stream tails live rows and closes with one
// complete event after the terminal event has been delivered.
func (s *Server) handleJobEvents(c *gin.Context) {
	jobID := c.Param("id")

	sinceID, err := eventCursor(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	channel := events.JobChannel(jobID)
	err = s.deps.Streamer.Stream(c.Request.Context(), jobID, sinceID, func(evt models.JobEvent) error {
		data, err := events.MarshalWire(channel, evt)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		// Client gone or journal unreadable; nothing useful left to send.
		s.logger.Debug("Job event stream ended", "job_id", jobID, "error", err)
		return
	}

	// Terminal event delivered and journal drained.
	fmt.Fprintf(c.Writer, "event: complete\ndata: {\"job_id\":%q}\n\n", jobID)
	c.Writer.Flush()
}

// eventCursor reads the resume cursor from the query string or the SSE
// Last-Event-ID header.
func eventCursor(c *gin.Context) (int64, error) {
	raw := c.Query("since_event_id")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid event cursor %q", raw)
	}
	return id, nil
}
