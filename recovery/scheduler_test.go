package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/wmib/rowshim/gateway"
	"github.com/wmib/rowshim/pending"
	"github.com/wmib/rowshim/row"
	"github.com/wmib/rowshim/snapshot"
	gc "gopkg.in/check.v1"
)

type SchedulerSuite struct{}

func (s *SchedulerSuite) TestReplayOfFailedAndRecoveredRows(c *gc.C) {
	var f = newFixture(c)
	f.queueWhileDisconnected("A", "B", "C")
	f.gw.fail("A")

	var ctx, cancel = context.WithCancel(context.Background())
	var done = f.serve(ctx)

	f.clock.expect(c, 8*time.Second).fire()

	// First pass: A fails, while B & C succeed.
	var backoff = f.clock.expect(c, 200*time.Second)
	c.Check(f.gw.insertedNames(), gc.DeepEquals, []string{"B", "C"})
	c.Check(names(f.queue.Snapshot()), gc.DeepEquals, []string{"A"})
	c.Check(names(f.load(c)), gc.DeepEquals, []string{"A"})
	c.Check(f.gw.recovering, gc.Equals, false)

	// Second pass: A succeeds.
	f.gw.clear()
	backoff.fire()
	backoff = f.clock.expect(c, 200*time.Second)
	c.Check(f.gw.insertedNames(), gc.DeepEquals, []string{"B", "C", "A"})
	c.Check(f.queue.Len(), gc.Equals, 0)
	c.Check(f.store.Exists(), gc.Equals, true) // Persisted as empty.

	// After the backoff, the empty snapshot is removed.
	backoff.fire()
	f.clock.expect(c, 200*time.Millisecond)
	c.Check(f.store.Exists(), gc.Equals, false)

	cancel()
	c.Check(<-done, gc.IsNil)
}

func (s *SchedulerSuite) TestEmptyStartupMakesNoAttempts(c *gc.C) {
	var f = newFixture(c)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = f.serve(ctx)

	f.clock.expect(c, 8*time.Second).fire()
	for i := 0; i != 3; i++ {
		f.clock.expect(c, 200*time.Millisecond).fire()
	}
	f.clock.expect(c, 200*time.Millisecond)

	c.Check(f.gw.attempts, gc.Equals, 0)
	c.Check(f.store.Exists(), gc.Equals, false)

	cancel()
	c.Check(<-done, gc.IsNil)
}

func (s *SchedulerSuite) TestStartupRemovesSnapshotOfEmptyQueue(c *gc.C) {
	var f = newFixture(c)
	f.store.Persist(nil)
	c.Assert(f.store.Exists(), gc.Equals, true)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = f.serve(ctx)

	f.clock.expect(c, 8*time.Second).fire()
	f.clock.expect(c, 200*time.Millisecond)
	c.Check(f.store.Exists(), gc.Equals, false)

	cancel()
	c.Check(<-done, gc.IsNil)
}

func (s *SchedulerSuite) TestCancelDuringGrace(c *gc.C) {
	var f = newFixture(c)
	f.queueWhileDisconnected("A")

	var ctx, cancel = context.WithCancel(context.Background())
	var done = f.serve(ctx)

	f.clock.expect(c, 8*time.Second)
	cancel()
	c.Check(<-done, gc.IsNil)

	c.Check(f.gw.attempts, gc.Equals, 0)
	c.Check(names(f.queue.Snapshot()), gc.DeepEquals, []string{"A"})
}

func (s *SchedulerSuite) TestFailuresFollowRowsQueuedDuringPass(c *gc.C) {
	var f = newFixture(c)
	f.queueWhileDisconnected("A", "B")
	f.gw.fail("A", "B")

	// A producer queues D while the pass is underway.
	f.gw.onAttempt = func(name string) {
		if name == "A" {
			f.queue.Enqueue("t", row.New(row.Varchar("D")))
		}
	}

	var recovered, total, err = f.sched.RunPass(context.Background())
	c.Check(err, gc.IsNil)
	c.Check(recovered, gc.Equals, 0)
	c.Check(total, gc.Equals, 2)
	c.Check(names(f.queue.Snapshot()), gc.DeepEquals, []string{"D", "A", "B"})
	c.Check(names(f.load(c)), gc.DeepEquals, []string{"D", "A", "B"})
}

func (s *SchedulerSuite) TestCancelledPassRequeuesInOrder(c *gc.C) {
	var f = newFixture(c)
	f.queueWhileDisconnected("A", "B", "C")

	var ctx, cancel = context.WithCancel(context.Background())
	f.gw.onAttempt = func(string) { cancel() }

	var recovered, total, err = f.sched.RunPass(ctx)
	c.Check(err, gc.IsNil)
	c.Check(recovered, gc.Equals, 1)
	c.Check(total, gc.Equals, 3)
	c.Check(f.gw.attempts, gc.Equals, 1)
	c.Check(names(f.queue.Snapshot()), gc.DeepEquals, []string{"B", "C"})
}

func (s *SchedulerSuite) TestPanickingPassRestoresRowsAndStops(c *gc.C) {
	var f = newFixture(c)
	f.queueWhileDisconnected("A", "B", "C")
	f.gw.onAttempt = func(name string) {
		if name == "B" {
			panic("unexpected")
		}
	}

	var ctx = context.Background()
	var done = f.serve(ctx)
	f.clock.expect(c, 8*time.Second).fire()

	c.Check(<-done, gc.ErrorMatches, "recovery pass panicked: unexpected")
	c.Check(f.gw.insertedNames(), gc.DeepEquals, []string{"A"})
	c.Check(f.gw.recovering, gc.Equals, false)
	c.Check(names(f.queue.Snapshot()), gc.DeepEquals, []string{"B", "C"})
	c.Check(names(f.load(c)), gc.DeepEquals, []string{"B", "C"})
}

func (s *SchedulerSuite) TestPassOfEmptyQueue(c *gc.C) {
	var f = newFixture(c)

	var recovered, total, err = f.sched.RunPass(context.Background())
	c.Check(err, gc.IsNil)
	c.Check(recovered+total, gc.Equals, 0)
	c.Check(f.store.Exists(), gc.Equals, false)
	c.Check(f.gw.recovering, gc.Equals, false)
}

func (s *SchedulerSuite) TestRowsQueuedAsPassBeginsAreNeverOffDisk(c *gc.C) {
	var ctx = context.Background()
	var queue = pending.NewQueue()
	var store = snapshot.NewStore(afero.NewOsFs(), filepath.Join(c.MkDir(), "unwritten.snapshot"), snapshot.Snappy)
	var db = &fakeDB{failing: map[string]bool{"A": true, "B": true, "C": true, "D": true}}
	var gw = gateway.New(db, queue, store, "")

	for _, n := range []string{"A", "B", "C"} {
		c.Assert(gw.InsertRow(ctx, "t", row.New(row.Varchar(n))), gc.Equals, false)
	}
	db.succeed("A", "B", "C")

	// A producer falls back to the Queue just as the pass begins.
	var hooked = &hookedGateway{Gateway: gw, beforeRecovering: func() {
		c.Check(gw.InsertRow(ctx, "t", row.New(row.Varchar("D"))), gc.Equals, false)
	}}
	// Capture the snapshot on disk while the pass holds the drained rows.
	var onDisk []string
	db.onInsert = func(name string) {
		if name == "A" {
			var set, _, err = store.Load()
			c.Check(err, gc.IsNil)
			onDisk = names(set)
		}
	}

	var recovered, total, err = NewScheduler(DefaultConfig, queue, hooked, store).RunPass(ctx)
	c.Check(err, gc.IsNil)
	c.Check(recovered, gc.Equals, 3)
	c.Check(total, gc.Equals, 4)

	c.Check(onDisk, gc.DeepEquals, []string{"A", "B", "C", "D"})
	c.Check(names(queue.Snapshot()), gc.DeepEquals, []string{"D"})

	var set, _, loadErr = store.Load()
	c.Check(loadErr, gc.IsNil)
	c.Check(names(set), gc.DeepEquals, []string{"D"})
	c.Check(gw.Recovering(), gc.Equals, false)
}

type fixture struct {
	queue *pending.Queue
	store *snapshot.Store
	gw    *fakeGateway
	clock *stepClock
	sched *Scheduler
}

func newFixture(c *gc.C) *fixture {
	var f = &fixture{
		queue: pending.NewQueue(),
		store: snapshot.NewStore(afero.NewOsFs(), filepath.Join(c.MkDir(), "unwritten.snapshot"), snapshot.Gzip),
		clock: &stepClock{sleeps: make(chan step)},
	}
	f.gw = &fakeGateway{failing: make(map[string]bool), queue: f.queue, store: f.store}
	f.sched = NewScheduler(DefaultConfig, f.queue, f.gw, f.store)
	f.sched.clock = f.clock
	return f
}

// queueWhileDisconnected queues and persists rows as a disconnected
// gateway.Gateway would.
func (f *fixture) queueWhileDisconnected(names ...string) {
	for _, n := range names {
		f.queue.Enqueue("t", row.New(row.Varchar(n)))
		f.store.Persist(f.queue.Snapshot())
	}
}

func (f *fixture) serve(ctx context.Context) <-chan error {
	var done = make(chan error, 1)
	go func() { done <- f.sched.Serve(ctx) }()
	return done
}

func (f *fixture) load(c *gc.C) pending.Set {
	var set, ok, err = f.store.Load()
	c.Assert(err, gc.IsNil)
	c.Assert(ok, gc.Equals, true)
	return set
}

func names(set pending.Set) []string {
	var out = []string{}
	for _, e := range set {
		out = append(out, e.Row.Values[0].Data)
	}
	return out
}

type fakeGateway struct {
	queue *pending.Queue
	store *snapshot.Store

	mu         sync.Mutex
	failing    map[string]bool
	inserted   []string
	attempts   int
	recovering bool
	onAttempt  func(name string)
}

func (g *fakeGateway) TryInsert(_ context.Context, _ string, r row.Row) error {
	var name = r.Values[0].Data

	g.mu.Lock()
	g.attempts++
	var fn = g.onAttempt
	g.mu.Unlock()

	if fn != nil {
		fn(name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failing[name] {
		return errors.New("insert failed")
	}
	g.inserted = append(g.inserted, name)
	return nil
}

func (g *fakeGateway) SetRecovering(b bool) {
	g.mu.Lock()
	g.recovering = b
	g.mu.Unlock()
}

func (g *fakeGateway) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.recovering {
		g.store.Persist(g.queue.Snapshot())
	}
}

func (g *fakeGateway) fail(names ...string) {
	g.mu.Lock()
	for _, n := range names {
		g.failing[n] = true
	}
	g.mu.Unlock()
}

func (g *fakeGateway) clear() {
	g.mu.Lock()
	g.failing = make(map[string]bool)
	g.mu.Unlock()
}

func (g *fakeGateway) insertedNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.inserted...)
}

// hookedGateway runs |beforeRecovering| as a recovery pass begins.
type hookedGateway struct {
	*gateway.Gateway
	beforeRecovering func()
}

func (g *hookedGateway) SetRecovering(b bool) {
	if b && g.beforeRecovering != nil {
		g.beforeRecovering()
	}
	g.Gateway.SetRecovering(b)
}

// fakeDB is a connected gateway.Database which fails inserts of rows named
// in |failing|.
type fakeDB struct {
	mu       sync.Mutex
	failing  map[string]bool
	onInsert func(name string)
}

func (db *fakeDB) IsConnected() bool { return true }
func (db *fakeDB) ValidateTable(table string) error { return nil }

func (db *fakeDB) InsertRow(_ context.Context, _ string, r row.Row) error {
	var name = r.Values[0].Data

	db.mu.Lock()
	var fn, failed = db.onInsert, db.failing[name]
	db.mu.Unlock()

	if fn != nil {
		fn(name)
	}
	if failed {
		return errors.New("insert failed")
	}
	return nil
}

func (db *fakeDB) SelectRows(context.Context, string, string, string, string) (string, error) {
	return "", nil
}

func (db *fakeDB) succeed(names ...string) {
	db.mu.Lock()
	for _, n := range names {
		delete(db.failing, n)
	}
	db.mu.Unlock()
}

// stepClock hands each requested sleep to the test, which fires it.
type stepClock struct {
	sleeps chan step
}

type step struct {
	d  time.Duration
	ch chan time.Time
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	var ch = make(chan time.Time, 1)
	c.sleeps <- step{d: d, ch: ch}
	return ch
}

func (c *stepClock) expect(gcc *gc.C, d time.Duration) step {
	select {
	case s := <-c.sleeps:
		gcc.Assert(s.d, gc.Equals, d)
		return s
	case <-time.After(5 * time.Second):
		gcc.Fatalf("timeout waiting for sleep of %s", d)
		panic("not reached")
	}
}

func (s step) fire() { s.ch <- time.Time{} }

var _ = gc.Suite(&SchedulerSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
