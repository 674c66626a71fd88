package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/gate"
	"github.com/hpungsan/casegate/internal/ops"
	"github.com/hpungsan/casegate/internal/store"
)

// Processed uploads are renamed so the next sweep skips them.
const (
	doneSuffix   = ".done"
	failedSuffix = ".failed"
)

func watchCmd(repo *store.Repository, cfg *config.Config, newController controllerFunc) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Evaluate .jsonl uploads dropped into an inbox on a cron schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "inbox", Usage: "Inbox directory (default: watch.inbox or ~/.casegate/inbox)"},
			&cli.StringFlag{Name: "schedule", Usage: "5-field cron expression (default: watch.schedule)"},
			&cli.BoolFlag{Name: "once", Usage: "Sweep the inbox once and exit"},
		},
		Action: func(c *cli.Context) error {
			inbox, err := resolveInbox(c.String("inbox"), cfg.Watch.Inbox)
			if err != nil {
				return outputError(err)
			}
			schedule := c.String("schedule")
			if schedule == "" {
				schedule = cfg.Watch.Schedule
			}

			ctrl, err := newController()
			if err != nil {
				return outputError(err)
			}
			w := newWatcher(repo, cfg, ctrl, inbox)

			if c.Bool("once") {
				return outputJSON(w.sweep(c.Context))
			}
			return w.serve(c.Context, schedule)
		},
	}
}

// resolveInbox picks the flag, then config, then ~/.casegate/inbox, and
// creates the directory.
func resolveInbox(flag, configured string) (string, error) {
	inbox := flag
	if inbox == "" {
		inbox = configured
	}
	if inbox == "" {
		dir, err := baseDir()
		if err != nil {
			return "", errors.NewInternal(err)
		}
		inbox = filepath.Join(dir, "inbox")
	}
	abs, err := filepath.Abs(inbox)
	if err != nil {
		return "", errors.NewInvalidRequest(err.Error())
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return "", errors.NewInternal(err)
	}
	return abs, nil
}

type watcher struct {
	repo  *store.Repository
	cfg   *config.Config
	ctrl  *gate.Controller
	inbox string
}

func newWatcher(repo *store.Repository, cfg *config.Config, ctrl *gate.Controller, inbox string) *watcher {
	// Uploads are read through the same path checks as `run --input`, so
	// the inbox joins the allowed directories on a private copy.
	c := *cfg
	c.AllowedPaths = append(append([]string(nil), cfg.AllowedPaths...), inbox)
	return &watcher{repo: repo, cfg: &c, ctrl: ctrl, inbox: inbox}
}

// watchResult reports one processed upload.
type watchResult struct {
	File    string             `json:"file"`
	Summary *gate.BatchSummary `json:"summary,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// serve sweeps the inbox on schedule until SIGINT or SIGTERM. A sweep
// still running at the next tick is skipped, and shutdown waits for it.
func (w *watcher) serve(ctx context.Context, schedule string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { w.sweep(ctx) }); err != nil {
		return outputError(errors.NewInvalidConfig("watch.schedule", err.Error()))
	}

	slog.InfoContext(ctx, "watching inbox", "inbox", w.inbox, "schedule", schedule)
	c.Start()
	<-ctx.Done()

	slog.Info("shutting down, waiting for running sweep")
	<-c.Stop().Done()
	return nil
}

// sweep evaluates every pending upload in the inbox, oldest name first.
func (w *watcher) sweep(ctx context.Context) []watchResult {
	files, err := w.pending()
	if err != nil {
		slog.ErrorContext(ctx, "read inbox failed", "inbox", w.inbox, "error", err)
		return nil
	}

	results := make([]watchResult, 0, len(files))
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		res := watchResult{File: filepath.Base(path)}
		out, err := ops.RunBatch(ctx, w.ctrl, w.repo, w.cfg, ops.RunBatchInput{Path: path})
		suffix := doneSuffix
		if err != nil {
			suffix = failedSuffix
			res.Error = err.Error()
			slog.ErrorContext(ctx, "upload failed", "file", res.File, "error", err)
		} else {
			res.Summary = out.Summary
			slog.InfoContext(ctx, "upload evaluated", "file", res.File,
				"run_id", out.Summary.RunID, "processed", out.Summary.Processed, "gate3_done", out.Summary.Gate3Done)
		}
		if err := os.Rename(path, path+suffix); err != nil {
			slog.WarnContext(ctx, "rename upload failed", "file", res.File, "error", err)
		}
		results = append(results, res)
	}
	return results
}

func (w *watcher) pending() ([]string, error) {
	entries, err := os.ReadDir(w.inbox)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".jsonl") {
			files = append(files, filepath.Join(w.inbox, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
