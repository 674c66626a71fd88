package mcp

import "github.com/mark3labs/mcp-go/mcp"

var getToolDef = mcp.NewTool("case_get",
	mcp.WithDescription("Get the cached score record of a support case: criticality, health, gate verdicts and watermark."),
	mcp.WithString("case_id", mcp.Required(), mcp.Description("Case identifier. Leading zeros and case are ignored.")),
	mcp.WithBoolean("include_messages", mcp.Description("Also return the stored, classified messages.")),
)

var eligibleToolDef = mcp.NewTool("case_eligible",
	mcp.WithDescription("List open cases due for gate 2 (quick analysis) or gate 3 (timeline), most critical first."),
	mcp.WithNumber("gate", mcp.Required(), mcp.Description("Gate number: 2 or 3.")),
)

var closeToolDef = mcp.NewTool("case_close",
	mcp.WithDescription("Mark a case CLOSED. Closed cases are skipped by every later batch."),
	mcp.WithString("case_id", mcp.Required(), mcp.Description("Case identifier.")),
)

var timelineToolDef = mcp.NewTool("case_timeline",
	mcp.WithDescription("Get the ordered timeline of a case with its executive summary."),
	mcp.WithString("case_id", mcp.Required(), mcp.Description("Case identifier.")),
)

var listToolDef = mcp.NewTool("case_list",
	mcp.WithDescription("List cases by criticality, optionally filtered by state, customer or frustration trend. With needs_attention, list recently active cases that are declining or highly frustrated, most frustrated first."),
	mcp.WithString("state", mcp.Description("State filter, e.g. GATE3_DONE, EVALUATION_FAILED, CLOSED.")),
	mcp.WithString("customer", mcp.Description("Exact customer name.")),
	mcp.WithString("trend", mcp.Description("Trend direction filter."), mcp.Enum("declining", "improving", "stable")),
	mcp.WithNumber("min_recent_frustration", mcp.Description("Minimum average frustration (0-10) inside the trend window. Defaults to 7 with needs_attention.")),
	mcp.WithBoolean("needs_attention", mcp.Description("Only cases needing attention, ordered by recent frustration.")),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100).")),
	mcp.WithNumber("offset", mcp.Description("Items to skip.")),
)

var reportToolDef = mcp.NewTool("case_report",
	mcp.WithDescription("Render a case report as Markdown, or as an HTML page."),
	mcp.WithString("case_id", mcp.Required(), mcp.Description("Case identifier.")),
	mcp.WithBoolean("html", mcp.Description("Return a standalone HTML page instead of Markdown.")),
)

var batchRunToolDef = mcp.NewTool("batch_run",
	mcp.WithDescription("Evaluate a JSONL upload through the gates. Give either a file path or the JSONL content inline."),
	mcp.WithString("path", mcp.Description("Path to a .jsonl upload in an allowed directory.")),
	mcp.WithString("content", mcp.Description("Inline JSONL upload, one message per line.")),
	mcp.WithString("strategy", mcp.Description("gated (default) or ranked."), mcp.Enum("gated", "ranked")),
	mcp.WithString("timeout", mcp.Description("Batch timeout, e.g. 10m. Defaults to batch.timeout.")),
)

var accountHealthToolDef = mcp.NewTool("account_health",
	mcp.WithDescription("Score each customer's open cases into a 0-100 account health, worst first."),
	mcp.WithString("customer", mcp.Description("Restrict to one customer.")),
)
