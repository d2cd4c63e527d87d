package ws

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/andi/realtime/internal/domain"
)

func TestRegistryAddGetCount(t *testing.T) {
	reg := NewRegistry(testLogger(), nil)
	now := time.Now()
	c1, _ := newTestConn("u1", now)
	c2, _ := newTestConn("u1", now)
	c3, _ := newTestConn("u2", now)

	for _, tc := range []struct {
		owner string
		conn  *Connection
	}{{"u1", c1}, {"u1", c2}, {"u2", c3}} {
		if err := reg.Add(tc.owner, tc.conn); err != nil {
			t.Fatalf("add %s: %v", tc.owner, err)
		}
	}

	if got := reg.CountFor("u1"); got != 2 {
		t.Fatalf("expected 2 connections for u1, got %d", got)
	}
	if got := reg.TotalCount(); got != 3 {
		t.Fatalf("expected 3 connections total, got %d", got)
	}
	for _, conn := range reg.Get("u1") {
		if conn.OwnerID() != "u1" || !conn.OpenedAt().Equal(now) {
			t.Fatalf("unexpected connection metadata %s/%v", conn.OwnerID(), conn.OpenedAt())
		}
	}
	if got := len(reg.Get("unknown")); got != 0 {
		t.Fatalf("expected empty set for unknown recipient, got %d", got)
	}
	snap := reg.Snapshot()
	if len(snap) != 2 || snap[0].RecipientID != "u1" || snap[0].Connections != 2 || snap[1].Connections != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRegistryRemoveCleansEmptyRecipient(t *testing.T) {
	reg := NewRegistry(testLogger(), nil)
	c1, tr1 := newTestConn("u1", time.Now())
	c2, _ := newTestConn("u1", time.Now())
	_ = reg.Add("u1", c1)
	_ = reg.Add("u1", c2)

	if !reg.Remove("u1", c1) {
		t.Fatal("expected first removal to succeed")
	}
	if tr1.closeCount() != 1 {
		t.Fatalf("expected removed transport to be closed once, got %d", tr1.closeCount())
	}
	if reg.CountFor("u1") != 1 {
		t.Fatalf("expected one connection left, got %d", reg.CountFor("u1"))
	}
	if reg.Remove("u1", c1) {
		t.Fatal("expected second removal of same connection to be a no-op")
	}
	reg.Remove("u1", c2)

	if got := reg.Get("u1"); len(got) != 0 {
		t.Fatalf("expected empty set after last removal, got %d", len(got))
	}
	for _, stat := range reg.Snapshot() {
		if stat.RecipientID == "u1" {
			t.Fatal("expected u1 to be absent from snapshot")
		}
	}
	if len(reg.Recipients()) != 0 {
		t.Fatalf("expected no recipients, got %v", reg.Recipients())
	}
}

func TestRegistryRejectsCrossRegistration(t *testing.T) {
	reg := NewRegistry(testLogger(), nil)
	conn, _ := newTestConn("u1", time.Now())
	if err := reg.Add("u1", conn); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add("u1", conn); err != nil {
		t.Fatalf("expected duplicate add under same recipient to be a no-op, got %v", err)
	}
	if reg.CountFor("u1") != 1 {
		t.Fatalf("expected set semantics, got %d connections", reg.CountFor("u1"))
	}
	if err := reg.Add("u2", conn); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if reg.CountFor("u2") != 0 {
		t.Fatal("expected u2 to stay empty")
	}
}

func TestRegistryRejectsInvalidInput(t *testing.T) {
	reg := NewRegistry(testLogger(), nil)
	conn, _ := newTestConn("u1", time.Now())
	if err := reg.Add(" ", conn); !errors.Is(err, domain.ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
	_ = conn.Close()
	if err := reg.Add("u1", conn); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestRegistryConnectionCloseSelfRemoves(t *testing.T) {
	reg := NewRegistry(testLogger(), nil)
	conn, tr := newTestConn("u1", time.Now())
	_ = reg.Add("u1", conn)

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if reg.CountFor("u1") != 0 {
		t.Fatal("expected abnormal termination to remove the connection")
	}
	if tr.closeCount() != 1 {
		t.Fatalf("expected transport closed exactly once, got %d", tr.closeCount())
	}
}

func TestRegistryCloseAllAndGauges(t *testing.T) {
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)
	reg := NewRegistry(testLogger(), metrics)
	for _, owner := range []string{"u1", "u1", "u2"} {
		conn, _ := newTestConn(owner, time.Now())
		if err := reg.Add(owner, conn); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if got := testutil.ToFloat64(metrics.connections); got != 3 {
		t.Fatalf("expected connections gauge 3, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.recipients); got != 2 {
		t.Fatalf("expected recipients gauge 2, got %v", got)
	}
	if closed := reg.CloseAll(); closed != 3 {
		t.Fatalf("expected 3 connections closed, got %d", closed)
	}
	if reg.TotalCount() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.TotalCount())
	}
	if got := testutil.ToFloat64(metrics.connections); got != 0 {
		t.Fatalf("expected connections gauge 0, got %v", got)
	}
}
