package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bidcraft/bidcraft/internal/steps"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

func (s *BidcraftServer) handleAnalyze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := map[string]any{}
	if override := req.GetString("requirements", ""); override != "" {
		params["requirements"] = override
	}
	return s.invokeStep(ctx, req, schema.StepAnalyzeRequirements, params)
}

func (s *BidcraftServer) handleCost(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.invokeStep(ctx, req, schema.StepCalculateCost, nil)
}

func (s *BidcraftServer) handleTemplates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := map[string]any{}
	if tt := req.GetString("template_type", ""); tt != "" {
		params["template_type"] = tt
	}
	return s.invokeStep(ctx, req, schema.StepRetrieveTemplates, params)
}

func (s *BidcraftServer) handleSlides(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.invokeStep(ctx, req, schema.StepGenerateSlides, templateParams(req))
}

func (s *BidcraftServer) handleDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.invokeStep(ctx, req, schema.StepGenerateDocument, templateParams(req))
}

func (s *BidcraftServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	sess, gerr := s.store.GetSession(ctx, sessionID)
	if gerr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", gerr)), nil
	}
	return marshalResult(sess)
}

// invokeStep runs a workflow step for the session named in the request.
func (s *BidcraftServer) invokeStep(ctx context.Context, req mcp.CallToolRequest, step string, params map[string]any) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	out, invErr := s.invoker.Invoke(ctx, step, steps.Input{SessionID: sessionID, Params: params})
	if invErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", step, invErr)), nil
	}
	return marshalResult(out)
}

func templateParams(req mcp.CallToolRequest) map[string]any {
	params := map[string]any{}
	if tp := req.GetString("template_path", ""); tp != "" {
		params["template_path"] = tp
	}
	return params
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
