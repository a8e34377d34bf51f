// Package stdio serves JSON-RPC over stdin/stdout for MCP clients that
// launch the server as a subprocess. One request per line in, one
// response per line out; all logging goes to stderr so stdout stays a
// clean protocol stream.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/seekerlab/seeker/pkg/mcp"
	"github.com/seekerlab/seeker/pkg/models"
)

// maxLineBytes bounds one inbound JSON-RPC line.
const maxLineBytes = 4 << 20

// Server reads newline-delimited JSON-RPC requests and writes responses
// in arrival order. The launching client owns the process, so the
// stdio principal gets the wildcard scope.
type Server struct {
	dispatcher *mcp.Dispatcher
	in         io.Reader
	out        io.Writer
	logger     *slog.Logger
}

// NewServer creates a stdio server bound to os.Stdin/os.Stdout.
func NewServer(dispatcher *mcp.Dispatcher) *Server {
	return &Server{
		dispatcher: dispatcher,
		in:         os.Stdin,
		out:        os.Stdout,
		logger:     slog.Default().With("component", "stdio"),
	}
}

// Run serves until stdin closes or ctx is canceled. EOF is a normal
// shutdown: the client hung up.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Serving JSON-RPC on stdio")

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	caller := &mcp.Caller{
		Principal: "stdio",
		Scopes:    []string{mcp.ScopeWildcard},
		Transport: models.TransportStdio,
	}

	encoder := json.NewEncoder(s.out)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, errResp := mcp.ParseRequest(line)
		if errResp != nil {
			if err := encoder.Encode(errResp); err != nil {
				return fmt.Errorf("writing response: %w", err)
			}
			continue
		}

		resp := s.dispatcher.Handle(ctx, caller, req)
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	s.logger.Info("stdin closed, stdio server exiting")
	return nil
}
