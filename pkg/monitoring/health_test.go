package monitoring

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingableClient struct{}

func (p *pingableClient) Ping(context.Context) error { return nil }

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHTTPServiceHealthCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer s.Close()
	res := HTTPServiceHealthCheck("svc", s.URL)()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestDatabaseHealthCheck(t *testing.T) {
	// DatabaseHealthCheck is not invoked: a zero sql.DB has no driver, so
	// pinging it would panic rather than report unhealthy.
	db := &sql.DB{}
	_ = db
}

func TestPingableHealthCheck(t *testing.T) {
	res := PingableHealthCheck("irc", &pingableClient{})()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestIRCSessionHealthCheck(t *testing.T) {
	connected := IRCSessionHealthCheck(func() bool { return true }, func() bool { return false })()
	if connected.Status != StatusHealthy {
		t.Fatalf("expected healthy when connected")
	}
	backoff := IRCSessionHealthCheck(func() bool { return false }, func() bool { return true })()
	if backoff.Status != StatusDegraded {
		t.Fatalf("expected degraded while backing off")
	}
	down := IRCSessionHealthCheck(func() bool { return false }, func() bool { return false })()
	if down.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy")
	}
}

func TestArchiveBacklogHealthCheck(t *testing.T) {
	ok := ArchiveBacklogHealthCheck(func() int { return 10 }, 100)()
	if ok.Status != StatusHealthy {
		t.Fatalf("expected healthy below threshold")
	}
	degraded := ArchiveBacklogHealthCheck(func() int { return 200 }, 100)()
	if degraded.Status != StatusDegraded {
		t.Fatalf("expected degraded above threshold")
	}
}
