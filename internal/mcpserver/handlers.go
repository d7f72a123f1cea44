package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/tenantfleet/internal/apiclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetInstance shows one instance.
func (h *Handlers) HandleGetInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("instance_id", "")
	if id == "" {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	raw, err := h.client.GetInstance(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get instance: %v", err)), nil
	}
	text, err := formatInstance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse instance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListInstances lists a page of instances.
func (h *Handlers) HandleListInstances(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := apiclient.ListOptions{
		Status:         req.GetString("status", ""),
		SubscriptionID: req.GetString("subscription_id", ""),
		AccountID:      req.GetString("account_id", ""),
		Cursor:         req.GetString("cursor", ""),
		Limit:          req.GetInt("limit", 0),
	}

	raw, err := h.client.ListInstances(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list instances: %v", err)), nil
	}
	text, err := formatInstanceList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse instances: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleInstanceHistory shows the transition log.
func (h *Handlers) HandleInstanceHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("instance_id", "")
	if id == "" {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	raw, err := h.client.InstanceHistory(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}
	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleProvisionInstance requests a new instance.
func (h *Handlers) HandleProvisionInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subID := req.GetString("subscription_id", "")
	if subID == "" {
		return mcp.NewToolResultError("subscription_id is required"), nil
	}

	raw, err := h.client.Provision(ctx, subID)
	if err != nil {
		if apiclient.IsCode(err, "active_instance_exists") {
			return mcp.NewToolResultError("This subscription already has an active instance. Use list_instances with subscription_id to find it."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Provisioning failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAccepted("Provisioning started", raw)), nil
}

// HandleDeprovisionInstance tears an instance down after explicit confirmation.
func (h *Handlers) HandleDeprovisionInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("instance_id", "")
	if id == "" {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	if !req.GetBool("confirm", false) {
		return mcp.NewToolResultError("Deprovisioning is irreversible; call again with confirm=true"), nil
	}

	raw, err := h.client.Deprovision(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Deprovision failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAccepted("Deprovisioning started", raw)), nil
}

// actionHandler runs a lifecycle action that only needs the instance id.
func (h *Handlers) actionHandler(action string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetString("instance_id", "")
		if id == "" {
			return mcp.NewToolResultError("instance_id is required"), nil
		}

		raw, err := h.client.Action(ctx, id, action)
		if err != nil {
			if apiclient.IsCode(err, "invalid_transition") {
				return mcp.NewToolResultError(fmt.Sprintf("Cannot %s this instance in its current status: %v", action, err)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
		}
		return mcp.NewToolResultText(formatAccepted(strings.ToUpper(action[:1])+action[1:]+" accepted", raw)), nil
	}
}

// --- Formatting helpers ---

func formatInstance(raw json.RawMessage) (string, error) {
	var resp struct {
		Instance map[string]any `json:"instance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Instance == nil {
		return "", fmt.Errorf("no instance in response")
	}
	return describeInstance(resp.Instance), nil
}

func describeInstance(m map[string]any) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Instance %s\n", getString(m, "id")))
	sb.WriteString(fmt.Sprintf("  Status: %s\n", getString(m, "status")))
	if v := getString(m, "tier"); v != "" {
		sb.WriteString(fmt.Sprintf("  Tier: %s\n", v))
	}
	sb.WriteString(fmt.Sprintf("  Subscription: %s\n", getString(m, "subscriptionId")))
	if urls, ok := m["urls"].(map[string]any); ok {
		if v := getString(urls, "frontendUrl"); v != "" {
			sb.WriteString(fmt.Sprintf("  Frontend: %s\n", v))
		}
		if v := getString(urls, "backendUrl"); v != "" {
			sb.WriteString(fmt.Sprintf("  Backend: %s\n", v))
		}
		if v := getString(urls, "chatUrl"); v != "" {
			sb.WriteString(fmt.Sprintf("  Chat: %s\n", v))
		}
	}
	if v := getString(m, "errorCode"); v != "" {
		sb.WriteString(fmt.Sprintf("  Error: %s", v))
		if d := getString(m, "errorDetail"); d != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", d))
		}
		sb.WriteString("\n")
	}
	if released, ok := m["resourcesReleased"].(bool); ok && released {
		sb.WriteString("  Resources: released\n")
	}
	return sb.String()
}

func formatInstanceList(raw json.RawMessage) (string, error) {
	var resp struct {
		Instances  []map[string]any `json:"instances"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Instances) == 0 {
		return "No instances found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d instance(s):\n\n", len(resp.Instances)))
	for i, inst := range resp.Instances {
		sb.WriteString(fmt.Sprintf("%d. %s  %s  %s\n", i+1,
			getString(inst, "id"), getString(inst, "status"), getString(inst, "tier")))
	}
	if resp.HasMore {
		sb.WriteString(fmt.Sprintf("\nMore results: cursor=%s\n", resp.NextCursor))
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Transitions []map[string]any `json:"transitions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transitions) == 0 {
		return "No transitions recorded.", nil
	}

	var sb strings.Builder
	for _, tr := range resp.Transitions {
		sb.WriteString(fmt.Sprintf("%s  %s -> %s  [%s]", getString(tr, "createdAt"),
			getString(tr, "from"), getString(tr, "to"), getString(tr, "action")))
		if code := getString(tr, "errorCode"); code != "" {
			sb.WriteString(" error=" + code)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatAccepted(prefix string, raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return prefix + ".\n" + formatJSON(raw)
	}
	return fmt.Sprintf("%s.\n  Instance: %s\n  Status: %s\n", prefix,
		getString(m, "instanceId"), getString(m, "status"))
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
