package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/gate"
	"github.com/hpungsan/casegate/internal/ops"
	"github.com/hpungsan/casegate/internal/report"
	"github.com/hpungsan/casegate/internal/store"
)

// stdout receives command output. Tests swap it for a buffer.
var stdout io.Writer = os.Stdout

// controllerFunc builds the batch controller on first use, so read-only
// commands work without an analysis API key.
type controllerFunc func() (*gate.Controller, error)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(repo *store.Repository, cfg *config.Config, newController controllerFunc) *cli.App {
	app := &cli.App{
		Name:    "casegate",
		Usage:   "Gated evaluation for support-case triage",
		Version: Version,
		Commands: []*cli.Command{
			runCmd(repo, cfg, newController),
			watchCmd(repo, cfg, newController),
			getCmd(repo),
			eligibleCmd(repo),
			closeCmd(repo),
			timelineCmd(repo),
			listCmd(repo),
			reportCmd(repo),
			healthCmd(repo, cfg),
			exportCmd(repo, cfg),
			importCmd(repo, cfg),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func runCmd(repo *store.Repository, cfg *config.Config, newController controllerFunc) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Evaluate a JSONL upload (from --input or stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "Path to a .jsonl upload"},
			&cli.StringFlag{Name: "strategy", Aliases: []string{"s"}, Usage: "gated|ranked (default: batch.strategy)"},
			&cli.DurationFlag{Name: "timeout", Usage: "Batch timeout (default: batch.timeout)"},
			&cli.BoolFlag{Name: "report", Usage: "Print a Markdown batch report instead of JSON"},
		},
		Action: func(c *cli.Context) error {
			input := ops.RunBatchInput{
				Path:     c.String("input"),
				Strategy: c.String("strategy"),
				Timeout:  c.Duration("timeout"),
			}
			if input.Path == "" {
				if !stdinHasData() {
					return outputError(errors.NewInvalidRequest("upload must be given with --input or piped via stdin"))
				}
				input.Reader = os.Stdin
			}

			ctrl, err := newController()
			if err != nil {
				return outputError(err)
			}
			output, err := ops.RunBatch(c.Context, ctrl, repo, cfg, input)
			if err != nil {
				return outputError(err)
			}

			if c.Bool("report") {
				_, err := io.WriteString(stdout, report.Batch(output.Summary))
				return err
			}
			return outputJSON(output)
		},
	}
}

func getCmd(repo *store.Repository) *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the score record of a case",
		ArgsUsage: "<case-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "messages", Aliases: []string{"m"}, Usage: "Include stored messages"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.GetCase(c.Context, repo, ops.GetCaseInput{
				CaseID:          c.Args().First(),
				IncludeMessages: c.Bool("messages"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

func eligibleCmd(repo *store.Repository) *cli.Command {
	return &cli.Command{
		Name:  "eligible",
		Usage: "List open cases due for gate 2 or gate 3",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "gate", Aliases: []string{"g"}, Value: 3, Usage: "Gate number: 2|3"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ListEligible(c.Context, repo, ops.ListEligibleInput{Gate: c.Int("gate")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

func closeCmd(repo *store.Repository) *cli.Command {
	return &cli.Command{
		Name:      "close",
		Usage:     "Mark a case CLOSED",
		ArgsUsage: "<case-id>",
		Action: func(c *cli.Context) error {
			output, err := ops.CloseCase(c.Context, repo, ops.CloseCaseInput{CaseID: c.Args().First()})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

func timelineCmd(repo *store.Repository) *cli.Command {
	return &cli.Command{
		Name:      "timeline",
		Usage:     "Show the timeline and executive summary of a case",
		ArgsUsage: "<case-id>",
		Action: func(c *cli.Context) error {
			output, err := ops.GetTimeline(c.Context, repo, ops.GetTimelineInput{CaseID: c.Args().First()})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

func listCmd(repo *store.Repository) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List cases by criticality, or those needing attention",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "state", Aliases: []string{"status"}, Usage: "Filter by state, e.g. GATE3_DONE"},
			&cli.StringFlag{Name: "customer", Aliases: []string{"c"}, Usage: "Filter by customer"},
			&cli.StringFlag{Name: "trend", Aliases: []string{"t"}, Usage: "Filter by trend: declining|improving|stable"},
			&cli.Float64Flag{Name: "min-recent-frustration", Usage: "Minimum average frustration in the trend window"},
			&cli.BoolFlag{Name: "attention", Aliases: []string{"a"}, Usage: "Only cases needing attention, most frustrated first"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Max results"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Pagination offset"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ListCases(c.Context, repo, ops.ListCasesInput{
				State:                c.String("state"),
				Customer:             c.String("customer"),
				Trend:                c.String("trend"),
				MinRecentFrustration: c.Float64("min-recent-frustration"),
				Attention:            c.Bool("attention"),
				Limit:                c.Int("limit"),
				Offset:               c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

func reportCmd(repo *store.Repository) *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "Render a case report as Markdown or HTML",
		ArgsUsage: "<case-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "html", Usage: "Render a standalone HTML page"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Report(c.Context, repo, ops.ReportInput{CaseID: c.Args().First(), HTML: c.Bool("html")})
			if err != nil {
				return outputError(err)
			}
			_, err = io.WriteString(stdout, output.Content)
			return err
		},
	}
}

func healthCmd(repo *store.Repository, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Score account health across open cases",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "customer", Aliases: []string{"c"}, Usage: "Restrict to one customer"},
			&cli.BoolFlag{Name: "markdown", Usage: "Print a Markdown table instead of JSON"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.AccountHealth(c.Context, repo, cfg, ops.AccountHealthInput{Customer: c.String("customer")})
			if err != nil {
				return outputError(err)
			}
			if c.Bool("markdown") {
				_, err := io.WriteString(stdout, output.Markdown)
				return err
			}
			output.Markdown = ""
			return outputJSON(output)
		},
	}
}

func exportCmd(repo *store.Repository, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export score records to JSONL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Output path (default: ~/.casegate/exports/cases-<timestamp>.jsonl)"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Export(c.Context, repo, cfg, ops.ExportInput{Path: c.String("path")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

func importCmd(repo *store.Repository, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import score records from JSONL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Input path"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|replace|skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Import(c.Context, repo, cfg, ops.ImportInput{
				Path: c.String("path"),
				Mode: store.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// outputJSON outputs v as formatted JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var caseErr *errors.CaseError
	if stderrors.As(err, &caseErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", caseErr.Code, caseErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}
