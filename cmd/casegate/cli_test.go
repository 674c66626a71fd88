package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/casegate/internal/analysis"
	"github.com/hpungsan/casegate/internal/analysis/analysistest"
	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/db"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/gate"
	"github.com/hpungsan/casegate/internal/store"
)

const day = int64(86400)

type testApp struct {
	repo *store.Repository
	cfg  *config.Config
	fake *analysistest.Fake
	dir  string
	ctrl controllerFunc
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{dir}

	repo := store.New(database)
	fake := analysistest.New(nil)
	guard := analysis.NewGuard(fake, fake, config.RateConfig{}, analysis.Policy{
		MaxAttempts: 2, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1,
	})
	ctrl := gate.New(cfg, repo, guard)
	return &testApp{
		repo: repo, cfg: cfg, fake: fake, dir: dir,
		ctrl: func() (*gate.Controller, error) { return ctrl, nil },
	}
}

// run executes the CLI with args and returns what it wrote to stdout.
func (a *testApp) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	defer func() { stdout = old }()

	app := newCLIApp(a.repo, a.cfg, a.ctrl)
	err := app.Run(append([]string{"casegate"}, args...))
	return buf.String(), err
}

// upload writes a .jsonl file with n lines for a case that clears every
// gate.
func (a *testApp) upload(t *testing.T, dir, name, id string, n int) string {
	t.Helper()
	var b strings.Builder
	for seq := 1; seq <= n; seq++ {
		sender := "Customer Dana"
		if seq%2 == 0 {
			sender = "Support Engineer"
		}
		line, err := json.Marshal(map[string]any{
			"case_id": id, "customer": "globex", "severity": "S1", "support_tier": "Gold",
			"issue_class": "Systemic", "resolution_outlook": "Challenging",
			"sequence": seq, "sender": sender, "text": "sync is down again", "timestamp": 10*day + int64(seq),
		})
		require.NoError(t, err)
		b.Write(line)
		b.WriteByte('\n')
		a.fake.Score(id, seq, 9)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0600))
	return path
}

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out), s)
	return out
}

func TestCLIRun(t *testing.T) {
	a := setupApp(t)
	path := a.upload(t, a.dir, "u.jsonl", "42", 4)

	out, err := a.run(t, "run", "--input", path)
	require.NoError(t, err)
	summary := decodeJSON(t, out)["summary"].(map[string]any)
	require.Equal(t, float64(1), summary["processed"])
	require.Equal(t, float64(1), summary["gate3_done"])
	require.Equal(t, config.StrategyGated, summary["strategy"])

	// Re-running the same upload finds nothing new.
	out, err = a.run(t, "run", "-i", path, "--report")
	require.NoError(t, err)
	require.Contains(t, out, "# Batch ")
}

func TestCLIRun_Errors(t *testing.T) {
	a := setupApp(t)

	_, err := a.run(t, "run")
	require.Error(t, err)
	require.Contains(t, err.Error(), "[INVALID_REQUEST]")

	_, err = a.run(t, "run", "--input", filepath.Join(t.TempDir(), "u.jsonl"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "[INVALID_REQUEST]")

	a.ctrl = func() (*gate.Controller, error) {
		return nil, errors.NewInvalidConfig("analysis.api_key", "ANTHROPIC_API_KEY is not set")
	}
	_, err = a.run(t, "run", "--input", a.upload(t, a.dir, "u.jsonl", "1", 2))
	require.Error(t, err)
	require.Contains(t, err.Error(), "[INVALID_CONFIG]")
}

func TestCLICaseCommands(t *testing.T) {
	a := setupApp(t)
	_, err := a.run(t, "run", "-i", a.upload(t, a.dir, "u.jsonl", "0042", 4))
	require.NoError(t, err)

	t.Run("get", func(t *testing.T) {
		out, err := a.run(t, "get", "42", "--messages")
		require.NoError(t, err)
		got := decodeJSON(t, out)
		require.Equal(t, "GATE3_DONE", got["record"].(map[string]any)["state"])
		require.Len(t, got["messages"], 4)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := a.run(t, "get", "99")
		require.Error(t, err)
		require.Contains(t, err.Error(), "[NOT_FOUND]")
	})

	t.Run("get without id", func(t *testing.T) {
		_, err := a.run(t, "get")
		require.Error(t, err)
		require.Contains(t, err.Error(), "[INVALID_REQUEST]")
	})

	t.Run("eligible", func(t *testing.T) {
		out, err := a.run(t, "eligible", "--gate", "2")
		require.NoError(t, err)
		require.Equal(t, float64(2), decodeJSON(t, out)["gate"])

		_, err = a.run(t, "eligible", "--gate", "1")
		require.Error(t, err)
	})

	t.Run("timeline", func(t *testing.T) {
		out, err := a.run(t, "timeline", "42")
		require.NoError(t, err)
		require.Equal(t, float64(4), decodeJSON(t, out)["timeline_through"])
	})

	t.Run("report", func(t *testing.T) {
		out, err := a.run(t, "report", "42")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(out, "# Case 42"), out)

		out, err = a.run(t, "report", "42", "--html")
		require.NoError(t, err)
		require.Contains(t, out, "<title>Case 42</title>")
	})

	t.Run("health", func(t *testing.T) {
		out, err := a.run(t, "health")
		require.NoError(t, err)
		got := decodeJSON(t, out)
		require.Len(t, got["accounts"], 1)
		require.NotContains(t, got, "markdown")

		out, err = a.run(t, "health", "--markdown")
		require.NoError(t, err)
		require.Contains(t, out, "# Account health")
	})

	t.Run("list needing attention", func(t *testing.T) {
		out, err := a.run(t, "list", "--attention")
		require.NoError(t, err)
		require.Len(t, decodeJSON(t, out)["cases"], 1)

		out, err = a.run(t, "list", "--trend", "declining")
		require.NoError(t, err)
		require.Empty(t, decodeJSON(t, out)["cases"])

		out, err = a.run(t, "list", "--min-recent-frustration", "9.5")
		require.NoError(t, err)
		require.Empty(t, decodeJSON(t, out)["cases"])

		_, err = a.run(t, "list", "--trend", "sideways")
		require.Error(t, err)
		require.Contains(t, err.Error(), "[INVALID_REQUEST]")
	})

	t.Run("close then list", func(t *testing.T) {
		out, err := a.run(t, "close", "42")
		require.NoError(t, err)
		require.Equal(t, "CLOSED", decodeJSON(t, out)["state"])

		out, err = a.run(t, "list", "--state", "closed")
		require.NoError(t, err)
		require.Len(t, decodeJSON(t, out)["cases"], 1)

		out, err = a.run(t, "list", "--state", "gate3_done")
		require.NoError(t, err)
		require.Empty(t, decodeJSON(t, out)["cases"])
	})
}

func TestCLIExportImport(t *testing.T) {
	a := setupApp(t)
	_, err := a.run(t, "run", "-i", a.upload(t, a.dir, "u.jsonl", "7", 4))
	require.NoError(t, err)

	exportPath := filepath.Join(a.dir, "backup.jsonl")
	out, err := a.run(t, "export", "--path", exportPath)
	require.NoError(t, err)
	require.Equal(t, float64(1), decodeJSON(t, out)["count"])

	out, err = a.run(t, "import", "--path", exportPath)
	require.NoError(t, err)
	collision := decodeJSON(t, out)["errors"].([]any)
	require.Len(t, collision, 1)
	require.Equal(t, "ID_COLLISION", collision[0].(map[string]any)["code"])

	out, err = a.run(t, "import", "--path", exportPath, "--mode", "skip")
	require.NoError(t, err)
	require.Equal(t, float64(0), decodeJSON(t, out)["imported"])
}

func TestWatchOnce(t *testing.T) {
	a := setupApp(t)
	inbox := t.TempDir()
	a.upload(t, inbox, "b.jsonl", "2", 2)
	a.upload(t, inbox, "a.jsonl", "1", 4)
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("ignored"), 0600))

	out, err := a.run(t, "watch", "--inbox", inbox, "--once")
	require.NoError(t, err)

	var results []watchResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	require.Equal(t, "a.jsonl", results[0].File)
	require.Equal(t, 1, results[0].Summary.Gate3Done)
	require.Empty(t, results[1].Error)

	for _, name := range []string{"a.jsonl.done", "b.jsonl.done", "notes.txt"} {
		require.FileExists(t, filepath.Join(inbox, name))
	}

	// Processed uploads are not picked up again.
	out, err = a.run(t, "watch", "--inbox", inbox, "--once")
	require.NoError(t, err)
	require.JSONEq(t, "[]", out)
}

func TestWatch_InvalidSchedule(t *testing.T) {
	a := setupApp(t)
	ctrl, err := a.ctrl()
	require.NoError(t, err)
	w := newWatcher(a.repo, a.cfg, ctrl, t.TempDir())

	err = w.serve(context.Background(), "every tuesday")
	require.Error(t, err)
	require.Contains(t, err.Error(), "[INVALID_CONFIG]")
}

func TestNewWatcher_DoesNotShareAllowedPaths(t *testing.T) {
	a := setupApp(t)
	inbox := t.TempDir()
	w := newWatcher(a.repo, a.cfg, nil, inbox)

	require.Equal(t, []string{a.dir, inbox}, w.cfg.AllowedPaths)
	require.Equal(t, []string{a.dir}, a.cfg.AllowedPaths)
}

func TestResolveInbox(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "flag")
	configured := filepath.Join(t.TempDir(), "configured")

	got, err := resolveInbox(flag, configured)
	require.NoError(t, err)
	require.Equal(t, flag, got)
	require.DirExists(t, flag)

	got, err = resolveInbox("", configured)
	require.NoError(t, err)
	require.Equal(t, configured, got)
}
