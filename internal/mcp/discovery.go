package mcp

import (
	"context"
	"fmt"
)

// Discovery aggregates tool information from multiple MCP servers.
// The claude CLI subprocess itself drives tool calls against these
// servers; Discovery only reports which tool names the pooled servers
// expose. The broker does not run it at startup and does not check
// allowed_tools against its result.
type Discovery struct {
	pool *Pool
}

// NewDiscovery creates a new tool discovery service.
func NewDiscovery(pool *Pool) *Discovery {
	return &Discovery{pool: pool}
}

// DiscoverTools lists all tools from all connected MCP servers.
func (d *Discovery) DiscoverTools(ctx context.Context) ([]ToolInfo, error) {
	clients := d.pool.All()
	var allTools []ToolInfo

	for _, client := range clients {
		tools, err := client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover tools from %s: %w", client.config.Name, err)
		}
		allTools = append(allTools, tools...)
	}

	return allTools, nil
}

// ToolNames returns the qualified "server/tool" names for a discovery
// result, in the form toolpolicy.CheckAllowed expects to match against
// allowed_tools entries.
func ToolNames(tools []ToolInfo) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.ServerName + "/" + t.Name
	}
	return names
}
