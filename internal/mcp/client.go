// Package mcp manages tool-server connections declared in a session's
// mcp_servers configuration: stdio subprocesses and SSE endpoints,
// pooled per broker process and discovered into the Agent Client's
// tool namespace.
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/claude-session-broker/broker/internal/toolpolicy"
)

// ServerConfig holds the configuration for connecting to an MCP server,
// as declared under mcp_servers in the Configuration snapshot.
type ServerConfig struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport"` // "stdio" or "sse"
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	URL       string   `json:"url,omitempty"` // for the sse transport
}

// ToolInfo describes a tool available on an MCP server.
type ToolInfo struct {
	ServerName  string                 `json:"server_name"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Client wraps the MCP SDK client for a single server connection.
type Client struct {
	config  ServerConfig
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// NewClient creates a new MCP client for the given server config.
func NewClient(config ServerConfig) *Client {
	return &Client{config: config}
}

// Connect establishes a connection to the MCP server. For the sse
// transport, the server URL is validated against toolpolicy's SSRF
// guard before any connection attempt, and the session's HTTP client
// re-validates the resolved address at dial time.
func (c *Client) Connect(ctx context.Context) error {
	impl := &mcpsdk.Implementation{
		Name:    "claude-session-broker",
		Version: "0.1.0",
	}
	c.client = mcpsdk.NewClient(impl, nil)

	switch c.config.Transport {
	case "stdio":
		cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
		transport := &mcpsdk.CommandTransport{
			Command: cmd,
		}
		session, err := c.client.Connect(ctx, transport, nil)
		if err != nil {
			return fmt.Errorf("mcp connect to %s: %w", c.config.Name, err)
		}
		c.session = session
	case "sse":
		if err := toolpolicy.ValidateServerURL(ctx, c.config.URL); err != nil {
			return fmt.Errorf("mcp server %s: %w", c.config.Name, err)
		}
		transport := &mcpsdk.SSEClientTransport{
			Endpoint:   c.config.URL,
			HTTPClient: &http.Client{Transport: toolpolicy.SafeTransport()},
		}
		session, err := c.client.Connect(ctx, transport, nil)
		if err != nil {
			return fmt.Errorf("mcp connect to %s: %w", c.config.Name, err)
		}
		c.session = session
	default:
		return fmt.Errorf("unsupported MCP transport: %s", c.config.Transport)
	}

	return nil
}

// ListTools returns all tools available on this server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if c.session == nil {
		return nil, fmt.Errorf("mcp client not connected")
	}

	var tools []ToolInfo
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp list tools: %w", err)
		}
		schema := make(map[string]interface{})
		if tool.InputSchema != nil {
			schema["type"] = "object"
		}
		tools = append(tools, ToolInfo{
			ServerName:  c.config.Name,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	return tools, nil
}

// CallTool invokes a tool on the MCP server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if c.session == nil {
		return "", fmt.Errorf("mcp client not connected")
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call tool %s: %w", name, err)
	}

	if result.IsError {
		return "", fmt.Errorf("mcp tool %s returned error", name)
	}

	// Extract text content from result
	var text string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}

	return text, nil
}

// Close gracefully closes the MCP connection.
func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}
