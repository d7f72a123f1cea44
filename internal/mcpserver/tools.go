package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fleet MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

func instanceIDArg() mcp.ToolOption {
	return mcp.WithString("instance_id",
		mcp.Required(),
		mcp.Description("The instance UUID"))
}

var ToolGetInstance = mcp.NewTool("get_instance",
	mcp.WithDescription(
		"Get one tenant instance: status, URLs, resource limits and, when failed, "+
			"the error code and detail."),
	instanceIDArg(),
)

var ToolListInstances = mcp.NewTool("list_instances",
	mcp.WithDescription(
		"List tenant instances, newest first. Filter by status, subscription or account. "+
			"Pass the returned cursor to fetch the next page."),
	mcp.WithString("status",
		mcp.Description("Only instances in this status"),
		mcp.Enum("requested", "provisioning_app", "provisioning_storage", "provisioning_services",
			"deploying", "verifying", "running", "stopped", "restarting",
			"deprovisioning", "deprovisioned", "failed")),
	mcp.WithString("subscription_id",
		mcp.Description("Only instances of this subscription")),
	mcp.WithString("account_id",
		mcp.Description("Only instances of this account")),
	mcp.WithString("cursor",
		mcp.Description("Pagination cursor from a previous call")),
	mcp.WithNumber("limit",
		mcp.Description("Page size, 1-200 (default 50)")),
)

var ToolInstanceHistory = mcp.NewTool("instance_history",
	mcp.WithDescription(
		"Show the transition log of an instance, oldest first. Use this to see which "+
			"provisioning step failed and what was rolled back."),
	instanceIDArg(),
)

var ToolProvisionInstance = mcp.NewTool("provision_instance",
	mcp.WithDescription(
		"Provision a new instance for a subscription. Returns immediately with the instance id; "+
			"provisioning continues in the background. Fails if the subscription already has an "+
			"active instance or is not trialing/active."),
	mcp.WithString("subscription_id",
		mcp.Required(),
		mcp.Description("The subscription to provision for (sub_...)")),
)

var ToolStartInstance = mcp.NewTool("start_instance",
	mcp.WithDescription("Start a stopped instance."),
	instanceIDArg(),
)

var ToolStopInstance = mcp.NewTool("stop_instance",
	mcp.WithDescription("Stop a running instance. Data is kept."),
	instanceIDArg(),
)

var ToolRestartInstance = mcp.NewTool("restart_instance",
	mcp.WithDescription("Restart a running instance and verify its health afterwards."),
	instanceIDArg(),
)

var ToolRetryInstance = mcp.NewTool("retry_instance",
	mcp.WithDescription(
		"Retry a failed instance. Provisioning failures start over with the same names; "+
			"failed deprovisions resume the teardown."),
	instanceIDArg(),
)

var ToolDeprovisionInstance = mcp.NewTool("deprovision_instance",
	mcp.WithDescription(
		"Tear an instance down and release all of its platform resources. Irreversible: "+
			"only call this when the user explicitly asked to delete the instance."),
	instanceIDArg(),
	mcp.WithBoolean("confirm",
		mcp.Required(),
		mcp.Description("Must be true")),
)
