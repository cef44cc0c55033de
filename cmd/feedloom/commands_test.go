package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"feedloom/internal/api"
)

const showRule = `export default {
	meta: { name: "show" },
	validate(entry) { return entry.title.indexOf("Show") >= 0 }
}`

func TestSourceAndRuleCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	rulePath := writeRuleFile(t, t.TempDir(), showRule)

	out, _, err := runCLI(t, []string{"rule", "add", rulePath, "--series", "Show"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("rule add: %v", err)
	}
	requireContains(t, out, "Added rule 1 (show)")

	out, _, err = runCLI(t, []string{"rule", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("rule list: %v", err)
	}
	requireContains(t, out, "show")
	requireContains(t, out, "Show")

	if _, _, err := runCLI(t, []string{"rule", "update", "1"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected rule update without changes to fail")
	}
	nextCode := `export default { validate(entry) { return true } }`
	nextPath := writeRuleFile(t, t.TempDir(), nextCode)
	out, _, err = runCLI(t, []string{"rule", "update", "1", "--name", "everything", "--code", nextPath}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("rule update: %v", err)
	}
	requireContains(t, out, "Updated rule 1 (everything)")
	out, _, err = runCLI(t, []string{"rule", "show", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("rule show: %v", err)
	}
	requireContains(t, out, nextCode)

	out, _, err = runCLI(t, []string{"source", "add", "https://feeds.example/rss", "--title", "Example", "--rule", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("source add: %v", err)
	}
	requireContains(t, out, "Added source 1")

	if _, _, err := runCLI(t, []string{"source", "update", "1", "--cron", "0 0 * * * *"}, env.socketPath, env.configPath); err != nil {
		t.Fatalf("source update: %v", err)
	}
	out, _, err = runCLI(t, []string{"source", "list", "--json"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("source list: %v", err)
	}
	var sources []api.Source
	if err := json.Unmarshal([]byte(out), &sources); err != nil {
		t.Fatalf("decode sources: %v", err)
	}
	if len(sources) != 1 || sources[0].Cron != "0 0 * * * *" || sources[0].Title != "Example" {
		t.Fatalf("unexpected sources: %+v", sources)
	}
	if len(sources[0].RuleIDs) != 1 || sources[0].RuleIDs[0] != 1 {
		t.Fatalf("update without --rule should keep rules: %+v", sources[0].RuleIDs)
	}

	out, _, err = runCLI(t, []string{"source", "disable", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("source disable: %v", err)
	}
	requireContains(t, out, "Disabled source 1")

	if _, _, err := runCLI(t, []string{"source", "add", "not a url"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected invalid source url to fail")
	}

	out, _, err = runCLI(t, []string{"source", "remove", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("source remove: %v", err)
	}
	requireContains(t, out, "Removed source 1")

	out, _, err = runCLI(t, []string{"source", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("source list: %v", err)
	}
	requireContains(t, out, "No sources configured")
}

func TestDownloadCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	waitFor(t, 3*time.Second, func() bool {
		return env.daemon.Status(context.Background()).BackendReady
	})

	out, _, err := runCLI(t, []string{"download", "add", "https://tracker.example/a.torrent", "--name", "Alpha"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("download add: %v", err)
	}
	requireContains(t, out, "Added download 1 (PENDING)")

	out, _, err = runCLI(t, []string{"download", "pause", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("download pause: %v", err)
	}
	requireContains(t, out, "Download 1 is PAUSED")

	out, _, err = runCLI(t, []string{"download", "list", "--status", "paused"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("download list: %v", err)
	}
	requireContains(t, out, "Alpha")

	out, _, err = runCLI(t, []string{"download", "show", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("download show: %v", err)
	}
	requireContains(t, out, "https://tracker.example/a.torrent")

	if _, _, err := runCLI(t, []string{"download", "remove"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected remove without ids or status to fail")
	}
	out, _, err = runCLI(t, []string{"download", "remove", "--status", "paused"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("download remove: %v", err)
	}
	requireContains(t, out, "Removed 1 downloads")
}

func TestStatusAndNotifyCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Running")
	requireContains(t, out, "PENDING")

	out, _, err = runCLI(t, []string{"logs", "fetch"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("logs fetch: %v", err)
	}
	requireContains(t, out, "No fetch logs")

	out, _, err = runCLI(t, []string{"test-notify"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "ntfy topic not configured")
}

func TestCommandsWithoutDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"source", "list"}, env.socketPath+".missing", env.configPath)
	if err == nil {
		t.Fatal("expected missing socket to fail")
	}
	requireContains(t, err.Error(), "feedloom start")
}
