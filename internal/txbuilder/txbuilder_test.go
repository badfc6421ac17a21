package txbuilder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBuildSuccess(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tx/adjust-collateral" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Fatalf("api key header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(UnsignedTx{To: "0x1", Data: "0xabcd", Value: "0", Gas: "300000"})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, zerolog.Nop())
	tx, err := c.Build(context.Background(), "adjust-collateral", map[string]string{"troveId": "7"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if tx.Data != "0xabcd" || tx.Gas != "300000" {
		t.Fatalf("unexpected tx %+v", tx)
	}
	if received["troveId"] != "7" {
		t.Fatalf("params not forwarded: %v", received)
	}
}

func TestBuildErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"TROVE_NOT_FOUND","message":"no such trove"}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, zerolog.Nop())
	_, err := c.Build(context.Background(), "adjust-rate", nil)

	var builderErr *Error
	if !errors.As(err, &builderErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if builderErr.Code != "TROVE_NOT_FOUND" || builderErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected error %+v", builderErr)
	}
}

func TestBuildPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, zerolog.Nop())
	_, err := c.Build(context.Background(), "adjust-rate", nil)
	var builderErr *Error
	if !errors.As(err, &builderErr) || builderErr.Message != "boom" {
		t.Fatalf("expected plain text error, got %v", err)
	}
}

func TestBuildRequiresBaseURL(t *testing.T) {
	c := NewClient(Options{}, zerolog.Nop())
	if _, err := c.Build(context.Background(), "adjust-rate", nil); err == nil {
		t.Fatal("missing base url should error")
	}
}
