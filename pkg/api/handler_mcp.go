package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/seekerlab/seeker/pkg/mcp"
	"github.com/seekerlab/seeker/pkg/models"
)

// sessionHeader carries the session id for streamable HTTP continuity.
const sessionHeader = "Mcp-Session-Id"

// wsPingInterval is the WebSocket heartbeat period.
const wsPingInterval = 30 * time.Second

// maxFrameBytes bounds one inbound JSON-RPC frame.
const maxFrameBytes = 4 << 20

// handleMCP serves JSON-RPC over streamable HTTP. Responses go back as
// plain JSON, or as an SSE-framed chunk when the client asked for an
// event stream. The session id rides the Mcp-Session-Id header both ways.
func (s *Server) handleMCP(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, mcp.NewErrorResponse(nil, mcp.CodeParseError, "failed to read request body", nil))
		return
	}

	req, errResp := mcp.ParseRequest(body)
	if errResp != nil {
		c.JSON(http.StatusOK, errResp)
		return
	}

	cl := caller(c)
	if sid := c.GetHeader(sessionHeader); sid != "" {
		cl.SessionID = sid
		if err := s.deps.Sessions.Touch(c.Request.Context(), sid); err != nil {
			s.logger.Debug("Session touch failed", "session_id", sid, "error", err)
		}
	}

	resp := s.deps.Dispatcher.Handle(c.Request.Context(), cl, req)
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}

	if cl.SessionID != "" {
		c.Header(sessionHeader, cl.SessionID)
	}
	if scope, ok := mcp.InsufficientScope(resp); ok {
		s.writeScopeChallenge(c, scope)
		c.JSON(http.StatusForbidden, resp)
		return
	}

	if wantsEventStream(c) {
		writeSSEResponse(c, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) writeScopeChallenge(c *gin.Context, scope string) {
	c.Header("WWW-Authenticate",
		fmt.Sprintf(`Bearer error="insufficient_scope", scope=%q`, scope))
}

func wantsEventStream(c *gin.Context) bool {
	return c.GetHeader("Accept") == "text/event-stream"
}

// writeSSEResponse frames one JSON-RPC response as a terminating SSE
// stream, the streamable-HTTP shape for clients that requested it.
func writeSSEResponse(c *gin.Context, resp *mcp.Response) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	data, _ := json.Marshal(resp)
	fmt.Fprintf(c.Writer, "event: message\ndata: %s\n\n", data)
	c.Writer.Flush()
}

// handleMCPWebSocket serves full-duplex JSON-RPC over WebSocket with
// heartbeat pings. One reader goroutine (this handler) and serialized
// writes per connection.
func (s *Server) handleMCPWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // bearer auth replaces origin checks
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	cl := caller(c)
	cl.Transport = models.TransportWebSocket

	var writeMu sync.Mutex
	write := func(resp *mcp.Response) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, wcancel := context.WithTimeout(ctx, s.deps.Config.Server.WriteTimeout)
		defer wcancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(ctx, s.deps.Config.Server.WriteTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		req, errResp := mcp.ParseRequest(data)
		if errResp != nil {
			if werr := write(errResp); werr != nil {
				return
			}
			continue
		}

		resp := s.deps.Dispatcher.Handle(ctx, cl, req)
		if resp == nil {
			continue
		}
		if err := write(resp); err != nil {
			return
		}
	}
}

// handleSSE opens a legacy HTTP+SSE connection: the server issues a
// connection id, tells the client where to POST its calls, and streams
// responses back on this channel.
func (s *Server) handleSSE(c *gin.Context) {
	connID := uuid.NewString()
	outbound := make(chan []byte, 32)

	s.sseMu.Lock()
	s.sseConns[connID] = outbound
	s.sseMu.Unlock()
	defer func() {
		s.sseMu.Lock()
		delete(s.sseConns, connID)
		s.sseMu.Unlock()
	}()

	cl := caller(c)
	cl.Transport = models.TransportSSE

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// The endpoint event names the POST companion for this connection.
	fmt.Fprintf(c.Writer, "event: endpoint\ndata: /messages/%s\n\n", connID)
	c.Writer.Flush()

	heartbeat := time.NewTicker(wsPingInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outbound:
			fmt.Fprintf(c.Writer, "event: message\ndata: %s\n\n", data)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}

// handleMessages is the POST companion to /sse: it dispatches the call
// and pushes the response onto the named SSE connection. Without a
// connection id the response returns inline, which keeps simple clients
// working.
func (s *Server) handleMessages(c *gin.Context) {
	connID := c.Param("id")
	if connID == "" {
		connID = c.Query("connection_id")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, mcp.NewErrorResponse(nil, mcp.CodeParseError, "failed to read request body", nil))
		return
	}

	req, errResp := mcp.ParseRequest(body)
	if errResp != nil {
		c.JSON(http.StatusOK, errResp)
		return
	}

	cl := caller(c)
	cl.Transport = models.TransportSSE
	resp := s.deps.Dispatcher.Handle(c.Request.Context(), cl, req)
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}

	if connID == "" {
		c.JSON(http.StatusOK, resp)
		return
	}

	s.sseMu.Lock()
	outbound, ok := s.sseConns[connID]
	s.sseMu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown sse connection %q", connID)})
		return
	}

	data, _ := json.Marshal(resp)
	select {
	case outbound <- data:
		c.Status(http.StatusAccepted)
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sse connection backlogged"})
	}
}

// handleEventsWebSocket delegates to the ConnectionManager's
// subscription protocol for live job-event streaming.
func (s *Server) handleEventsWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.deps.ConnManager.HandleConnection(c.Request.Context(), conn)
}
