package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/mcp"
	"github.com/seekerlab/seeker/pkg/retrieval"
	"github.com/seekerlab/seeker/pkg/services"
	testdb "github.com/seekerlab/seeker/test/database"
)

func newStdioServer(t *testing.T, input string) (*Server, *bytes.Buffer) {
	t.Helper()
	client := testdb.NewTestClient(t)

	cfg := &config.Config{
		Server:      config.DefaultServerConfig(),
		Queue:       config.DefaultQueueConfig(),
		Idempotency: config.DefaultIdempotencyConfig(),
		Session:     config.DefaultSessionConfig(),
		Research:    config.DefaultResearchConfig(),
		Provider:    config.DefaultProviderConfig(),
		Embeddings:  config.DefaultEmbeddingsConfig(),
		Retrieval:   config.DefaultRetrievalConfig(),
		Auth:        config.DefaultAuthConfig(),
	}
	cfg.Server.Mode = config.ModeAll

	graph := services.NewGraphService(client)
	dispatcher := mcp.NewDispatcher(mcp.Deps{
		Config:    cfg,
		Jobs:      services.NewJobService(client, cfg.Idempotency),
		Events:    services.NewEventService(client),
		Sessions:  services.NewSessionService(client),
		Reports:   services.NewReportService(client),
		Graph:     graph,
		Retriever: retrieval.NewRetriever(client, cfg.Retrieval, nil, graph),
		Indexer:   retrieval.NewIndexer(client),
		PublicURL: "http://localhost:3000",
	})

	out := &bytes.Buffer{}
	server := &Server{
		dispatcher: dispatcher,
		in:         strings.NewReader(input),
		out:        out,
		logger:     slog.Default().With("component", "stdio"),
	}
	return server, out
}

func responses(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var all []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		all = append(all, resp)
	}
	return all
}

func TestStdioRoundTrip(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		``,
		`{not json`,
	}, "\n") + "\n"

	server, out := newStdioServer(t, input)
	require.NoError(t, server.Run(context.Background()))

	all := responses(t, out)
	// Notification and blank line produce no output; the parse error does.
	require.Len(t, all, 3)

	init := all[0]["result"].(map[string]any)
	assert.Equal(t, "2025-03-26", init["protocolVersion"])
	assert.NotEmpty(t, init["sessionId"])

	list := all[1]["result"].(map[string]any)
	assert.NotEmpty(t, list["tools"])

	parseErr := all[2]["error"].(map[string]any)
	assert.Equal(t, float64(mcp.CodeParseError), parseErr["code"])
}

func TestStdioEOFIsCleanShutdown(t *testing.T) {
	server, out := newStdioServer(t, "")
	require.NoError(t, server.Run(context.Background()))
	assert.Empty(t, out.String())
}

func TestStdioHasWildcardScope(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"retrieve","arguments":{"query":"raft"}}}` + "\n"
	server, out := newStdioServer(t, input)
	require.NoError(t, server.Run(context.Background()))

	all := responses(t, out)
	require.Len(t, all, 1)
	assert.Nil(t, all[0]["error"])
}
