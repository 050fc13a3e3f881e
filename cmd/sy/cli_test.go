package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/switchyard/internal/catalog"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/models"
)

const cliCatalog = `
rules:
  - {channel: sms, priority: 10, matcher: session-active}
  - {channel: sms, priority: 100, matcher: fallback, flow: lessons}
  - {channel: ussd, priority: 10, matcher: session-active}
  - {channel: ussd, priority: 100, matcher: fallback, flow: lessons}
flows:
  - id: lessons
    version: 1
    start: subject
    nodes:
      - id: subject
        kind: menu
        prompt: "Pick a subject:"
        capture: subject
        options:
          - {value: MATH, label: Math}
        default: done
      - id: done
        kind: terminal
        prompt: "Here you go: {content}"
        content: true
targeting:
  - {name: math, subject: MATH, lesson: L-MATH}
`

// setupWorkspace writes a sqlite config and catalog into a temp dir.
func setupWorkspace(t *testing.T) (configPath, catalogPath string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "switchyard.yaml")
	catalogPath = filepath.Join(dir, "catalog.yaml")
	cfg := fmt.Sprintf("database:\n  driver: sqlite\n  path: %s\ngateway:\n  kind: console\n",
		filepath.Join(dir, "sy.db"))
	if err := os.WriteFile(configPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(catalogPath, []byte(cliCatalog), 0644); err != nil {
		t.Fatal(err)
	}
	return configPath, catalogPath
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestDBInit(t *testing.T) {
	cfgPath, catPath := setupWorkspace(t)

	out, err := run(t, "", "db", "init", "-c", cfgPath, "--catalog", catPath)
	if err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	for _, want := range []string{"Migrated 8 tables", "4 routing rules", "Flows: 1 created, 0 already published", "initialized successfully"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "", "db", "init", "-c", cfgPath, "--catalog", catPath)
	if err != nil {
		t.Fatalf("second db init: %v", err)
	}
	if !strings.Contains(out, "Flows: 0 created, 1 already published") {
		t.Errorf("re-init output:\n%s", out)
	}
}

func TestDBInit_MissingCatalog(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	_, err := run(t, "", "db", "init", "-c", cfgPath, "--catalog", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read catalog") {
		t.Errorf("err = %v", err)
	}
}

func TestDBMigrate(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	out, err := run(t, "", "db", "migrate", "-c", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Migrated 8 tables") {
		t.Errorf("output = %q", out)
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "", "messages", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("err = %v", err)
	}
}

func TestSimulateThenInspect(t *testing.T) {
	cfgPath, catPath := setupWorkspace(t)
	if out, err := run(t, "", "db", "init", "-c", cfgPath, "--catalog", catPath); err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}

	out, err := run(t, "hello\n1\n", "simulate", "-c", cfgPath, "--phone", "+254700000001", "-v")
	if err != nil {
		t.Fatalf("simulate: %v\n%s", err, out)
	}
	for _, want := range []string{
		"[sms -> +254700000001]",
		"Pick a subject:\n1. Math",
		"Here you go: lesson:L-MATH",
		"(entered flow=lessons node=subject)",
		"(completed flow=lessons node=done)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("simulate output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "", "messages", "-c", cfgPath, "--direction", "in")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Showing 1-2 of 2") || !strings.Contains(out, "processed") {
		t.Errorf("messages output:\n%s", out)
	}

	out, err = run(t, "", "optin", "show", "+254700000001", "-c", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "sms-first-contact") || !strings.Contains(out, "true") {
		t.Errorf("optin output:\n%s", out)
	}

	out, err = run(t, "", "optin", "show", "+254799999999", "-c", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No consent records") {
		t.Errorf("optin output for unknown phone:\n%s", out)
	}

	out, err = run(t, "", "sessions", "sweep", "-c", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Swept 0 expired session(s), 0 live") {
		t.Errorf("sweep output:\n%s", out)
	}
}

func TestSimulateMemoryUSSD(t *testing.T) {
	_, catPath := setupWorkspace(t)
	missing := filepath.Join(t.TempDir(), "none.yaml")

	out, err := run(t, "dial\n1\ndial again\n", "simulate", "--memory", "-c", missing,
		"--catalog", catPath, "--channel", "ussd", "-v")
	if err != nil {
		t.Fatalf("simulate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "seeded with 1 flow(s)") {
		t.Errorf("missing seed line:\n%s", out)
	}
	if strings.Count(out, "(entered flow=lessons node=subject)") != 2 {
		t.Errorf("expected a fresh USSD session after completion:\n%s", out)
	}
	if !strings.Contains(out, "[ussd -> +15550000001]") {
		t.Errorf("missing ussd reply:\n%s", out)
	}
}

func TestSimulate_ReportsCatalogErrors(t *testing.T) {
	dir := t.TempDir()
	catPath := filepath.Join(dir, "catalog.yaml")
	// The ussd rule set has no fallback, so the channel is disabled.
	broken := strings.Replace(cliCatalog, "  - {channel: ussd, priority: 100, matcher: fallback, flow: lessons}\n", "", 1)
	if err := os.WriteFile(catPath, []byte(broken), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "", "simulate", "--memory", "-c", filepath.Join(dir, "none.yaml"), "--catalog", catPath)
	if err != nil {
		t.Fatalf("simulate: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Catalog error: catalog: channel ussd: no active fallback rule",
		"WARNING: channel ussd is disabled",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "channel sms is disabled") {
		t.Errorf("sms reported disabled:\n%s", out)
	}
}

func TestReportCatalog(t *testing.T) {
	gormDB, err := db.OpenMemory(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	cat, err := db.ParseCatalog([]byte(cliCatalog))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.SeedCatalog(gormDB, cat); err != nil {
		t.Fatal(err)
	}

	buf := new(bytes.Buffer)
	if err := reportCatalog(context.Background(), catalog.NewLoader(gormDB, 0), buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("healthy catalog printed %q", buf.String())
	}

	gormDB.Model(&models.RoutingRule{}).Where("channel = ? AND matcher_type = ?", "sms", "fallback").Update("active", false)
	buf.Reset()
	if err := reportCatalog(context.Background(), catalog.NewLoader(gormDB, 0), buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "WARNING: channel sms is disabled") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSimulate_BadFlags(t *testing.T) {
	if _, err := run(t, "", "simulate", "--memory", "--channel", "fax"); err == nil {
		t.Error("expected error for unknown channel")
	}
	if _, err := run(t, "", "simulate", "--memory", "--phone", "12345"); err == nil {
		t.Error("expected error for non-E.164 phone")
	}
}

func TestNewGatewayClient(t *testing.T) {
	tests := []struct {
		kind    string
		url     string
		wantErr bool
	}{
		{"console", "", false},
		{"http", "", true},
		{"http", "http://127.0.0.1:9/send", false},
		{"smpp", "", true},
	}
	for _, tt := range tests {
		_, err := newGatewayClient(config.GatewayConfig{Kind: tt.kind, URL: tt.url}, new(bytes.Buffer))
		if (err != nil) != tt.wantErr {
			t.Errorf("newGatewayClient(%s, %q) err = %v, wantErr %v", tt.kind, tt.url, err, tt.wantErr)
		}
	}
}
