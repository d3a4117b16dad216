// Package mcpserver exposes the agent's stores to operators and LLM tooling over MCP (stdio).
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tfkr-ae/mirsat/cache"
	"github.com/tfkr-ae/mirsat/domain"
	"github.com/tfkr-ae/mirsat/rawhttp"
	"github.com/tfkr-ae/mirsat/replay"
)

// Server wraps the MCP server with the agent tools.
type Server struct {
	mcp    *server.MCPServer
	store  *cache.Store
	queue  domain.QueueRepository
	config domain.ConfigRepository
	stats  domain.StatsRepository
	replay *replay.Orchestrator
}

// New creates an MCP server with every tool registered. orchestrator may be nil, which disables
// the sync tool.
func New(store *cache.Store, queue domain.QueueRepository, config domain.ConfigRepository, stats domain.StatsRepository, orchestrator *replay.Orchestrator, version string) *Server {
	s := &Server{store: store, queue: queue, config: config, stats: stats, replay: orchestrator}

	s.mcp = server.NewMCPServer(
		"Mirsat",
		version,
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("agent_status",
		mcp.WithDescription("Active agent version and storage counts."),
	), s.agentStatus)

	s.mcp.AddTool(mcp.NewTool("list_generations",
		mcp.WithDescription("List the cache generations with their role and version."),
	), s.listGenerations)

	s.mcp.AddTool(mcp.NewTool("list_cache_keys",
		mcp.WithDescription("List the request keys stored in a cache generation."),
		mcp.WithString("generation", mcp.Required(), mcp.Description("Generation name, e.g. static-v2")),
	), s.listCacheKeys)

	s.mcp.AddTool(mcp.NewTool("show_cache_entry",
		mcp.WithDescription("Show a cached response as raw HTTP, with the body prettified when possible."),
		mcp.WithString("generation", mcp.Required(), mcp.Description("Generation name")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Request key, e.g. GET https://app.example.com/")),
	), s.showCacheEntry)

	s.mcp.AddTool(mcp.NewTool("clear_caches",
		mcp.WithDescription("Delete every cache generation."),
	), s.clearCaches)

	s.mcp.AddTool(mcp.NewTool("list_queue",
		mcp.WithDescription("List the queued mutations of a domain."),
		mcp.WithString("domain", mcp.Required(), mcp.Description("Queue domain, e.g. appointments")),
		mcp.WithBoolean("dead", mcp.Description("List dead-lettered items instead of pending ones")),
	), s.listQueue)

	s.mcp.AddTool(mcp.NewTool("enqueue",
		mcp.WithDescription("Queue a mutation for later replay."),
		mcp.WithString("domain", mcp.Required(), mcp.Description("Queue domain")),
		mcp.WithString("payload", mcp.Required(), mcp.Description("JSON body sent to the remote API")),
	), s.enqueue)

	if orchestrator != nil {
		s.mcp.AddTool(mcp.NewTool("sync",
			mcp.WithDescription("Replay the queue of a domain, or of every domain when no tag is given."),
			mcp.WithString("tag", mcp.Description("Sync tag or domain, e.g. sync-messages")),
		), s.sync)
	}

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) agentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	version, err := s.config.GetActiveVersion()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	status := map[string]any{"version": version}
	counts := []struct {
		name  string
		count func() (int, error)
	}{
		{"generations", s.stats.CountGenerations},
		{"entries", s.stats.CountEntries},
		{"pending", s.stats.CountPending},
		{"dead", s.stats.CountDead},
	}
	for _, c := range counts {
		n, err := c.count()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status[c.name] = n
	}
	return jsonResult(status), nil
}

func (s *Server) listGenerations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	generations, err := s.store.Generations()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(generations), nil
}

func (s *Server) listCacheKeys(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	generation, err := req.RequireString("generation")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	keys, err := s.store.Keys(generation)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(keys) == 0 {
		return mcp.NewToolResultText("no entries"), nil
	}
	return mcp.NewToolResultText(strings.Join(keys, "\n")), nil
}

func (s *Server) showCacheEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	generation, err := req.RequireString("generation")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	entry, err := s.store.Entry(generation, key)
	if errors.Is(err, cache.ErrNotCached) {
		return mcp.NewToolResultError(fmt.Sprintf("not cached: %s", key)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	text, err := Render(entry.Raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

// Render returns a stored raw response for display, prettified when the body is JSON, XML or HTML.
func Render(raw []byte) (string, error) {
	res, err := rawhttp.RebuildResponse(raw, nil)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	dump, pretty, err := rawhttp.DumpResponse(res)
	if err != nil {
		return "", err
	}
	if pretty != "" {
		return pretty, nil
	}
	return string(dump), nil
}

func (s *Server) clearCaches(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.store.Clear(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(domain.ClearCacheReply{Success: true}), nil
}

func (s *Server) listQueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domainName, err := req.RequireString("domain")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	get := s.queue.GetPendingItems
	if req.GetBool("dead", false) {
		get = s.queue.GetDeadItems
	}

	items, err := get(domainName)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("queue is empty"), nil
	}
	return jsonResult(items), nil
}

func (s *Server) enqueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domainName, err := req.RequireString("domain")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, err := req.RequireString("payload")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !json.Valid([]byte(payload)) {
		return mcp.NewToolResultError("payload must be JSON"), nil
	}

	item := &domain.QueueItem{Domain: domainName, Payload: json.RawMessage(payload)}
	if err := s.queue.EnqueueItem(item); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("queued: %s", item.ID)), nil
}

func (s *Server) sync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tag := req.GetString("tag", "")

	if tag == "" {
		results, err := s.replay.SyncAll(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(results), nil
	}

	result, err := s.replay.Sync(ctx, tag)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result), nil
}
