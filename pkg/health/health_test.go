package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunWorstStatusWins(t *testing.T) {
	c := NewChecker("contentsvc")
	c.RegisterPing("db", true, func(context.Context) error { return nil })
	c.RegisterPing("cache", false, func(context.Context) error { return errors.New("refused") })

	r := c.Run(context.Background())
	if r.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", r.Status)
	}
	if r.Components["cache"].Message != "refused" {
		t.Errorf("cache message = %q", r.Components["cache"].Message)
	}

	c.RegisterPing("escrow", true, func(context.Context) error { return errors.New("dial") })
	if got := c.Run(context.Background()).Status; got != StatusDown {
		t.Errorf("status = %s, want down", got)
	}
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker("keyvault")
	c.RegisterPing("badger", true, func(context.Context) error { return errors.New("closed") })

	rr := httptest.NewRecorder()
	c.ReadyHandler()(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rr.Code)
	}
	var rep Report
	if err := json.NewDecoder(rr.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if rep.Service != "keyvault" || rep.Status != StatusDown {
		t.Errorf("report = %+v", rep)
	}
}
