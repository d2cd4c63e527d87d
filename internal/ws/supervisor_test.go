package ws

import (
	"context"
	"testing"
	"time"

	"github.com/andi/realtime/internal/domain"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestSupervisor(reg *Registry, clock *manualClock) *Supervisor {
	s := NewSupervisor(reg, 30*time.Second, 5*time.Minute, testLogger(), nil)
	s.now = clock.Now
	return s
}

func TestHeartbeatProbesAndPongMarksAlive(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, time.January, 12, 8, 0, 0, 0, time.UTC)}
	reg := NewRegistry(testLogger(), nil)
	sup := newTestSupervisor(reg, clock)
	conn, tr := newTestConn("u1", clock.Now())
	_ = reg.Add("u1", conn)

	res := sup.Heartbeat()
	if res.Probed != 1 || tr.pingCount() != 1 {
		t.Fatalf("expected one probe, got %+v (pings=%d)", res, tr.pingCount())
	}
	if conn.State() != domain.StateOpen {
		t.Fatalf("expected OPEN until pong arrives, got %s", conn.State())
	}

	clock.Advance(time.Second)
	conn.MarkPong(clock.Now())
	if conn.State() != domain.StateAlive {
		t.Fatalf("expected ALIVE after pong, got %s", conn.State())
	}

	clock.Advance(30 * time.Second)
	res = sup.Heartbeat()
	if res.MarkedStale != 0 || conn.State() != domain.StateAlive {
		t.Fatalf("expected answered probe to keep connection alive, got %+v state=%s", res, conn.State())
	}
}

func TestMissedHeartbeatsLeadToRemoval(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, time.January, 12, 8, 0, 0, 0, time.UTC)}
	reg := NewRegistry(testLogger(), nil)
	sup := newTestSupervisor(reg, clock)
	dead, deadTr := newTestConn("u1", clock.Now())
	live, _ := newTestConn("u1", clock.Now())
	_ = reg.Add("u1", dead)
	_ = reg.Add("u1", live)

	for i := 0; i < 2; i++ {
		clock.Advance(30 * time.Second)
		sup.Heartbeat()
		live.MarkPong(clock.Now())
	}
	if dead.State() != domain.StateStale {
		t.Fatalf("expected dead connection STALE after two missed cycles, got %s", dead.State())
	}
	if live.State() != domain.StateAlive {
		t.Fatalf("expected live connection ALIVE, got %s", live.State())
	}

	clock.Advance(30 * time.Second)
	res := sup.Sweep()
	if res.Removed != 1 {
		t.Fatalf("expected one removal, got %+v", res)
	}
	if reg.CountFor("u1") != 1 {
		t.Fatalf("expected countFor(u1)=1, got %d", reg.CountFor("u1"))
	}
	if deadTr.closeCount() != 1 {
		t.Fatal("expected stale transport to be force-closed")
	}
}

func TestStaleConnectionRecoversOnLatePong(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, time.January, 12, 8, 0, 0, 0, time.UTC)}
	reg := NewRegistry(testLogger(), nil)
	sup := newTestSupervisor(reg, clock)
	conn, tr := newTestConn("u1", clock.Now())
	_ = reg.Add("u1", conn)

	clock.Advance(time.Second)
	sup.Heartbeat()
	clock.Advance(30 * time.Second)
	res := sup.Heartbeat()
	if res.MarkedStale != 1 || conn.State() != domain.StateStale {
		t.Fatalf("expected STALE after a missed cycle, got %+v state=%s", res, conn.State())
	}
	if tr.pingCount() != 2 {
		t.Fatalf("expected stale connection probed once more, got %d pings", tr.pingCount())
	}

	conn.MarkPong(clock.Now().Add(time.Second))
	clock.Advance(time.Minute)
	if swept := sup.Sweep(); swept.Removed != 0 {
		t.Fatalf("expected recovered connection to survive sweep, got %+v", swept)
	}
	if conn.State() != domain.StateAlive {
		t.Fatalf("expected ALIVE after late pong, got %s", conn.State())
	}
}

func TestSweepMarksOldPongStaleThenRemoves(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, time.January, 12, 8, 0, 0, 0, time.UTC)}
	reg := NewRegistry(testLogger(), nil)
	sup := newTestSupervisor(reg, clock)
	conn, _ := newTestConn("u1", clock.Now())
	_ = reg.Add("u1", conn)

	clock.Advance(61 * time.Second)
	first := sup.Sweep()
	if first.MarkedStale != 1 || first.Removed != 0 {
		t.Fatalf("expected first sweep to mark stale, got %+v", first)
	}
	second := sup.Sweep()
	if second.Removed != 1 || reg.TotalCount() != 0 {
		t.Fatalf("expected second sweep to remove, got %+v total=%d", second, reg.TotalCount())
	}
}

func TestHeartbeatProbeFailureRemovesConnection(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := NewRegistry(testLogger(), nil)
	sup := newTestSupervisor(reg, clock)
	conn, tr := newTestConn("u1", clock.Now())
	tr.pingErr = errBrokenPipe
	_ = reg.Add("u1", conn)

	res := sup.Heartbeat()
	if res.Failed != 1 || reg.CountFor("u1") != 0 {
		t.Fatalf("expected failing probe to remove connection, got %+v", res)
	}
}

func TestSelfAckingTransportStaysAlive(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := NewRegistry(testLogger(), nil)
	sup := newTestSupervisor(reg, clock)
	tr := &ackingTransport{}
	conn := NewConnection("u1", tr, clock.Now())
	_ = reg.Add("u1", conn)

	for i := 0; i < 3; i++ {
		clock.Advance(30 * time.Second)
		sup.Heartbeat()
	}
	if conn.State() != domain.StateAlive {
		t.Fatalf("expected self-acking connection ALIVE, got %s", conn.State())
	}
	if sup.Sweep().Removed != 0 {
		t.Fatal("expected no removals")
	}
}

func TestSupervisorStartStopReapsWithoutCloseEvent(t *testing.T) {
	reg := NewRegistry(testLogger(), nil)
	sup := NewSupervisor(reg, 10*time.Millisecond, 25*time.Millisecond, testLogger(), nil)
	conn, _ := newTestConn("u1", time.Now())
	_ = reg.Add("u1", conn)

	sup.Start(context.Background())
	sup.Start(context.Background())
	if !sup.Running() {
		t.Fatal("expected supervisor running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.CountFor("u1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected unresponsive connection reaped, state=%s", conn.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	sup.Stop()
	sup.Stop()
	if sup.Running() {
		t.Fatal("expected supervisor stopped")
	}
}
