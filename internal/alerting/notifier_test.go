package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trove-guardian/internal/events"
)

func dangerEvent() events.RiskEvent {
	return events.RiskEvent{
		ID:               "evt-1",
		Timestamp:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Address:          "0xabc",
		AgentID:          "agent-1",
		Strategy:         "conservative",
		Severity:         "DANGER",
		CollateralRatio:  decimal.RequireFromString("100"),
		InterestRate:     decimal.RequireFromString("1"),
		BranchAvgRate:    decimal.RequireFromString("5"),
		CollateralSymbol: "WETH",
		TroveID:          "7",
		Detail:           "ratio 100.00% below danger threshold 220.00%",
		RedemptionRisk:   "high",
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), NewNotification(dangerEvent(), []string{"telegram"})); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"[Trove DANGER]", "0xabc", "100.00%", "branch avg 5.00%", "danger threshold"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q: %s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), NewNotification(dangerEvent(), nil)); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(ctx context.Context, note Notification) error {
	c.calls++
	return c.err
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	inner := &countingNotifier{}
	cd := NewCooldownNotifier(inner, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cd.now = func() time.Time { return now }

	note := NewNotification(dangerEvent(), nil)
	if err := cd.Notify(context.Background(), note); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	note.Event.Address = "0xABC"
	if err := cd.Notify(context.Background(), note); !errors.Is(err, ErrSuppressed) {
		t.Fatalf("expected suppression, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := cd.Notify(context.Background(), note); err != nil {
		t.Fatalf("after window: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 deliveries, got %d", inner.calls)
	}
}

func TestCooldownReleasesOnFailure(t *testing.T) {
	inner := &countingNotifier{err: errors.New("down")}
	cd := NewCooldownNotifier(inner, time.Hour)

	note := NewNotification(dangerEvent(), nil)
	if err := cd.Notify(context.Background(), note); err == nil {
		t.Fatalf("expected delivery error")
	}
	inner.err = nil
	if err := cd.Notify(context.Background(), note); err != nil {
		t.Fatalf("failed delivery must not start cooldown: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
