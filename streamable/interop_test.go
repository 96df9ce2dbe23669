package streamable_test

import (
	"context"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/mcpd/streamable"
)

// TestGoSDKClient drives the server with the reference client over
// Streamable HTTP.
func TestGoSDKClient(t *testing.T) {
	f := newFixture(t, streamable.Options{Mode: streamable.ModeJSON})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := sdk.NewClient(&sdk.Implementation{Name: "interop", Version: "1.0"}, nil)
	cs, err := client.Connect(ctx, &sdk.StreamableClientTransport{
		Endpoint:   f.url,
		HTTPClient: f.srv.Client(),
		MaxRetries: -1,
	}, nil)
	require.NoError(t, err)

	info := cs.InitializeResult()
	require.NotNil(t, info)
	assert.Equal(t, "test", info.ServerInfo.Name)
	assert.NotNil(t, info.Capabilities.Tools)
	assert.Equal(t, 1, f.sessions.Len())

	require.NoError(t, cs.Ping(ctx, nil))

	tools, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "math.add")

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "math.add",
		Arguments: map[string]any{"a": 2, "b": 3},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*sdk.TextContent)
	require.True(t, ok)
	assert.Equal(t, "5", text.Text)

	_, err = cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "math.add",
		Arguments: map[string]any{"a": "two"},
	})
	assert.Error(t, err)

	require.NoError(t, cs.Close())
	require.Eventually(t, func() bool { return f.sessions.Len() == 0 }, time.Second, 5*time.Millisecond)
}
