package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trove-guardian/internal/config"
	"trove-guardian/internal/events"
	"trove-guardian/internal/storage"
)

func newTestApp() *App {
	return NewApp(&config.Config{}, zerolog.Nop())
}

func makeRecords(n int) []storage.EventRecord {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.EventRecord, n)
	for i := range out {
		out[i] = storage.EventRecord{RiskEvent: events.RiskEvent{
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			Address:         "0x00000000000000000000000000000000000000a1",
			TroveID:         "7",
			Severity:        "OK",
			CollateralRatio: decimal.NewFromInt(int64(250 + i)),
			InterestRate:    decimal.RequireFromString("4.5"),
			BranchAvgRate:   decimal.RequireFromString("5"),
			RedemptionRisk:  "low",
		}}
	}
	return out
}

func TestDownsampleEvents(t *testing.T) {
	records := makeRecords(10)

	if got := downsampleEvents(records, 0); len(got) != 10 {
		t.Fatalf("expected passthrough, got %d", len(got))
	}
	if got := downsampleEvents(records, 20); len(got) != 10 {
		t.Fatalf("expected passthrough, got %d", len(got))
	}

	got := downsampleEvents(records, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(records[0].Timestamp) {
		t.Fatalf("first point should be kept")
	}
	if !got[3].Timestamp.Equal(records[9].Timestamp) {
		t.Fatalf("last point should be kept")
	}

	one := downsampleEvents(records, 1)
	if len(one) != 1 || !one[0].Timestamp.Equal(records[9].Timestamp) {
		t.Fatalf("single point should be the newest, got %+v", one)
	}
}

func TestWriteEventsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.csv")
	if err := writeEventsCSV(path, makeRecords(3)); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][6] != "collateral_ratio" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][6] != "250" || rows[3][6] != "252" {
		t.Fatalf("unexpected ratios %q %q", rows[1][6], rows[3][6])
	}
	if rows[1][0] != "2026-01-01T00:00:00Z" {
		t.Fatalf("unexpected timestamp %q", rows[1][0])
	}
}

func TestPrintEvents(t *testing.T) {
	var buf bytes.Buffer
	if err := printEvents(&buf, nil); err != nil {
		t.Fatalf("print: %v", err)
	}
	if !strings.Contains(buf.String(), "no events found") {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	records := makeRecords(1)
	records[0].Detail = "line one\nline two"
	if err := printEvents(&buf, records); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "250.00") || !strings.Contains(out, "line one line two") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPrintAlerts(t *testing.T) {
	var buf bytes.Buffer
	alerts := []storage.AlertRecord{{
		EventID:   "evt-1",
		Address:   "0x00000000000000000000000000000000000000a1",
		Severity:  "DANGER",
		Channels:  []string{"telegram", "webhook"},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
	if err := printAlerts(&buf, alerts); err != nil {
		t.Fatalf("print: %v", err)
	}
	if !strings.Contains(buf.String(), "telegram,webhook") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func runSimulation(t *testing.T, opts SimulateOptions) events.RiskEvent {
	t.Helper()
	var buf bytes.Buffer
	if err := newTestApp().simulate(context.Background(), opts, &buf); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	var ev events.RiskEvent
	if err := json.Unmarshal(buf.Bytes(), &ev); err != nil {
		t.Fatalf("decode output %q: %v", buf.String(), err)
	}
	return ev
}

func TestSimulateDanger(t *testing.T) {
	ev := runSimulation(t, SimulateOptions{CollateralRatio: 150, InterestRate: 5})

	if ev.Severity != "DANGER" {
		t.Fatalf("expected DANGER, got %s", ev.Severity)
	}
	if ev.Strategy != "conservative" {
		t.Fatalf("expected default strategy, got %s", ev.Strategy)
	}
	if !strings.Contains(ev.Detail, "danger threshold") {
		t.Fatalf("unexpected detail %q", ev.Detail)
	}
	if ev.Remediation == "" {
		t.Fatalf("expected advisory remediation")
	}
	if ev.RedemptionRisk != "low" {
		t.Fatalf("expected low redemption risk without a branch average, got %s", ev.RedemptionRisk)
	}
}

func TestSimulateHighRedemptionRisk(t *testing.T) {
	ev := runSimulation(t, SimulateOptions{Strategy: "aggressive", CollateralRatio: 300, InterestRate: 2, BranchAvgRate: 5})

	if ev.Severity != "WARNING" {
		t.Fatalf("expected WARNING escalation, got %s", ev.Severity)
	}
	if ev.RedemptionRisk != "high" {
		t.Fatalf("expected high redemption risk, got %s", ev.RedemptionRisk)
	}
	if !ev.BranchAvgRate.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected branch average %s", ev.BranchAvgRate)
	}
}

func TestSimulateValidation(t *testing.T) {
	a := newTestApp()
	if err := a.simulate(context.Background(), SimulateOptions{}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for missing ratio")
	}
	if err := a.simulate(context.Background(), SimulateOptions{CollateralRatio: 200, Strategy: "reckless"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
	if err := a.simulate(context.Background(), SimulateOptions{CollateralRatio: 200, Notify: true}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error when alerting is disabled")
	}
}

func TestCommandsRequireDatabase(t *testing.T) {
	a := newTestApp()
	ctx := context.Background()

	if err := a.Show(ctx, ShowOptions{Limit: 5}); err == nil {
		t.Fatalf("show should fail without a database")
	}
	if err := a.Prune(ctx, PruneOptions{Before: time.Now().Add(-time.Hour)}); err == nil {
		t.Fatalf("prune should fail without a database")
	}
	if err := a.Export(ctx, ExportOptions{Address: "0x00000000000000000000000000000000000000a1", CSVPath: "out.csv"}); err == nil {
		t.Fatalf("export should fail without a database")
	}
}

func TestExportValidation(t *testing.T) {
	a := newTestApp()
	ctx := context.Background()

	if err := a.Export(ctx, ExportOptions{Address: "0x00000000000000000000000000000000000000a1"}); err == nil {
		t.Fatalf("expected error without output paths")
	}
	if err := a.Export(ctx, ExportOptions{CSVPath: "out.csv"}); err == nil {
		t.Fatalf("expected error without address")
	}
	if err := a.Export(ctx, ExportOptions{Address: "nope", CSVPath: "out.csv"}); err == nil {
		t.Fatalf("expected error for invalid address")
	}
}
