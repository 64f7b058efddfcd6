package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/admission"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/credpool"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/pipeline"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/retry"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/wire"
)

const defaultMCPModel = "claude-3.5-sonnet"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Pool     *credpool.Pool
	Queue    *admission.Queue // optional; queue state is per process
	Pipeline ChatPipeline     // optional; if nil, the chat tool returns an error
	Model    string           // default model for the chat tool
	Version  string
}

// NewMCPServer creates an MCP server exposing gateway administration and a
// chat tool.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"cursorgw",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("cursorgw: inspect and manage the upstream credential gateway, or send a chat prompt through it."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("gateway_status",
			mcp.WithDescription("Report credential counts, rotation state, error rule count and queue state."),
		),
		mcpGatewayStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("reset_rotation",
			mcp.WithDescription("Reset the credential rotation cursor to the first active credential."),
		),
		mcpResetRotation(deps),
	)

	s.AddTool(
		mcp.NewTool("list_error_rules",
			mcp.WithDescription("List the error rules that trigger a retry with another credential, in evaluation order."),
		),
		mcpListErrorRules(deps),
	)

	s.AddTool(
		mcp.NewTool("add_error_rule",
			mcp.WithDescription("Add an error rule. The pattern is a case-insensitive regular expression matched against upstream replies."),
			mcp.WithString("pattern", mcp.Description("Regular expression"), mcp.Required()),
			mcp.WithString("description", mcp.Description("What the pattern detects")),
			mcp.WithString("classification", mcp.Description("free-limit, unauthorized, or empty to always retry")),
		),
		mcpAddErrorRule(deps),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a prompt through the gateway and return the reply."),
			mcp.WithString("prompt", mcp.Description("User message"), mcp.Required()),
			mcp.WithString("system", mcp.Description("Optional system instruction")),
			mcp.WithString("model", mcp.Description("Model name (default "+defaultMCPModel+")")),
		),
		mcpChat(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"gateway://status",
			"Gateway Status",
			mcp.WithResourceDescription("Credential, rotation, rule and queue state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

type gatewayStatus struct {
	Credentials struct {
		Total  int `json:"total"`
		Active int `json:"active"`
	} `json:"credentials"`
	Rotation   credpool.Status   `json:"rotation"`
	ErrorRules int               `json:"error_rules"`
	Queue      *admission.Status `json:"queue,omitempty"`
}

func collectStatus(deps MCPDeps) (gatewayStatus, error) {
	var st gatewayStatus
	all, err := deps.Store.ListCredentials()
	if err != nil {
		return st, fmt.Errorf("listing credentials: %w", err)
	}
	st.Credentials.Total = len(all)
	for _, c := range all {
		if c.Active {
			st.Credentials.Active++
		}
	}
	if _, _, err := deps.Pool.PeekCurrent(); err != nil {
		return st, fmt.Errorf("refreshing rotation: %w", err)
	}
	st.Rotation = deps.Pool.Status()

	rules, err := deps.Store.ListErrorRules()
	if err != nil {
		return st, fmt.Errorf("listing error rules: %w", err)
	}
	st.ErrorRules = len(rules)

	if deps.Queue != nil {
		q := deps.Queue.Status()
		st.Queue = &q
	}
	return st, nil
}

func mcpGatewayStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := collectStatus(deps)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResetRotation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deps.Pool.Reset()
		return mcpText("Rotation reset"), nil
	}
}

func mcpListErrorRules(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rules, err := deps.Store.ListErrorRules()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list rules: %v", err)), nil
		}
		if len(rules) == 0 {
			return mcpText("[]"), nil
		}

		type ruleResult struct {
			ID             string `json:"id"`
			Pattern        string `json:"pattern"`
			Description    string `json:"description,omitempty"`
			Classification string `json:"classification,omitempty"`
		}
		results := make([]ruleResult, len(rules))
		for i, r := range rules {
			results[i] = ruleResult{
				ID:             r.ID,
				Pattern:        r.Pattern,
				Description:    r.Description,
				Classification: retry.Classify(r),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal rules: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddErrorRule(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pattern, err := req.RequireString("pattern")
		if err != nil {
			return mcpError("pattern is required"), nil
		}
		if err := retry.ValidatePattern(pattern); err != nil {
			return mcpError(err.Error()), nil
		}

		rule, err := deps.Store.CreateErrorRule(storage.ErrorRule{
			Pattern:        pattern,
			Description:    req.GetString("description", ""),
			Classification: req.GetString("classification", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save rule: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored error rule %s", rule.ID)), nil
	}
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Pipeline == nil {
			return mcpError("chat not available: no upstream configured"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		model := req.GetString("model", deps.Model)
		if model == "" {
			model = defaultMCPModel
		}
		var msgs []wire.Message
		if system := req.GetString("system", ""); system != "" {
			msgs = append(msgs, wire.Message{Role: "system", Content: system})
		}
		msgs = append(msgs, wire.Message{Role: "user", Content: prompt})

		// The local operator is treated as a premium caller.
		c, err := deps.Pipeline.Complete(ctx, pipeline.ChatInput{Model: model, Messages: msgs}, pipeline.Caller{Premium: true})
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}
		return mcpText(c.Content), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := collectStatus(deps)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
