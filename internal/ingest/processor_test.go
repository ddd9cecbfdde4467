package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"peopleland.ai/internal/land"
	"peopleland.ai/internal/land/landtest"
	"peopleland.ai/internal/persistence/indexdb"
	"peopleland.ai/internal/persistence/snapshot"
)

type memLog struct {
	mu     sync.Mutex
	events []land.Event
	err    error
}

func (l *memLog) WriteEvent(ev land.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.events = append(l.events, ev)
	return nil
}

type memMirror struct{ paths []string }

func (m *memMirror) Enqueue(p string) { m.paths = append(m.paths, p) }

type memRecorder struct{ recs []indexdb.SnapshotRecord }

func (r *memRecorder) RecordSnapshot(_ context.Context, rec indexdb.SnapshotRecord) error {
	r.recs = append(r.recs, rec)
	return nil
}

type hooks struct {
	halted    bool
	snapshots int
	logErrors int
}

func (h *hooks) SetHalted(v bool) { h.halted = v }
func (h *hooks) SnapshotWritten() { h.snapshots++ }
func (h *hooks) EventLogFailed()  { h.logErrors++ }

func start(t *testing.T, opts Options, deps Deps) *Processor {
	t.Helper()
	p, err := New(opts, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	})
	return p
}

func TestProcessor_AppliesAndLogs(t *testing.T) {
	h := landtest.New(t)
	h.Chain.Mint(3, 4, 7)
	log := &memLog{}
	p := start(t, Options{DataDir: t.TempDir()}, Deps{Indexer: h.Indexer, Reader: h.Reader, EventLog: log})
	ctx := context.Background()

	create := land.Create{Meta: h.Next(), X: 3, Y: 4, Minter: landtest.Minter}
	res, err := p.Submit(ctx, create)
	if err != nil || res.Outcome != land.OutcomeApplied {
		t.Fatalf("create: res=%+v err=%v", res, err)
	}
	grant := land.Grant{Meta: h.Next(), X: 3, Y: 4, Recipient: landtest.Alice}
	res, err = p.Submit(ctx, grant)
	if err != nil || res.Outcome != land.OutcomeApplied {
		t.Fatalf("grant: res=%+v err=%v", res, err)
	}
	if res.Cursor != grant.Position() || p.Cursor() != grant.Position() {
		t.Fatalf("cursor=%+v want %+v", p.Cursor(), grant.Position())
	}

	// Redelivery is skipped and not logged again.
	res, err = p.Submit(ctx, grant)
	if err != nil || res.Outcome != land.OutcomeSkipped {
		t.Fatalf("replay: res=%+v err=%v", res, err)
	}
	if len(log.events) != 2 {
		t.Fatalf("logged %d events, want 2", len(log.events))
	}
	if got := h.OwnedKeys(landtest.Alice); len(got) != 1 || got[0] != "3-4" {
		t.Fatalf("alice cells=%v", got)
	}
}

func TestProcessor_EventLogFailureIsCounted(t *testing.T) {
	h := landtest.New(t)
	h.Chain.Mint(3, 4, 7)
	log := &memLog{err: errors.New("disk full")}
	hk := &hooks{}
	p := start(t, Options{DataDir: t.TempDir()}, Deps{Indexer: h.Indexer, Reader: h.Reader, EventLog: log, Hooks: hk})

	create := land.Create{Meta: h.Next(), X: 3, Y: 4, Minter: landtest.Minter}
	res, err := p.Submit(context.Background(), create)
	if err != nil || res.Outcome != land.OutcomeApplied {
		t.Fatalf("create: res=%+v err=%v", res, err)
	}
	if hk.logErrors != 1 || hk.halted {
		t.Fatalf("hooks=%+v", hk)
	}
	if p.Halted() != nil || p.Cursor() != create.Position() {
		t.Fatalf("halted=%v cursor=%+v", p.Halted(), p.Cursor())
	}
}

func TestProcessor_HaltsOnFault(t *testing.T) {
	h := landtest.New(t)
	h.Chain.Mint(0, 0, 1)
	hk := &hooks{}
	p := start(t, Options{DataDir: t.TempDir()}, Deps{Indexer: h.Indexer, Reader: h.Reader, Hooks: hk})
	ctx := context.Background()

	if _, err := p.Submit(ctx, land.Create{Meta: h.Next(), X: 0, Y: 0, Minter: landtest.Minter}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.Chain.Fail("neighbors", errors.New("rpc down"))
	_, err := p.Submit(ctx, land.Grant{Meta: h.Next(), X: 0, Y: 0, Recipient: landtest.Alice})
	if !errors.Is(err, land.ErrChainRead) {
		t.Fatalf("err=%v want chain read fault", err)
	}
	if !hk.halted {
		t.Fatalf("halt hook not called")
	}

	_, err = p.Submit(ctx, land.Annotate{Meta: h.Next(), X: 0, Y: 0, Slogan: "gm"})
	if !errors.Is(err, ErrHalted) || !errors.Is(err, land.ErrChainRead) {
		t.Fatalf("err=%v want halted wrapping the fault", err)
	}
	if err := p.Halted(); err == nil {
		t.Fatalf("Halted() = nil")
	}
}

func TestProcessor_PeriodicSnapshot(t *testing.T) {
	h := landtest.New(t)
	h.Chain.Mint(1, 1, 1)
	dir := t.TempDir()
	mirror := &memMirror{}
	rec := &memRecorder{}
	hk := &hooks{}
	p := start(t, Options{ChainID: "1", DataDir: dir, SnapshotEveryBlocks: 1000, ArchiveEpochBlocks: 100000},
		Deps{Indexer: h.Indexer, Reader: h.Reader, Mirror: mirror, Recorder: rec, Hooks: hk})

	ev := land.Create{Meta: h.Next(), X: 1, Y: 1, Minter: landtest.Minter}
	ev.Block = 1000
	if _, err := p.Submit(context.Background(), ev); err != nil {
		t.Fatalf("submit: %v", err)
	}

	want := filepath.Join(dir, "snapshots", snapshot.FileName(ev.Position()))
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if hk.snapshots != 1 || len(rec.recs) != 1 || rec.recs[0].Path != want || rec.recs[0].Cells != 1 {
		t.Fatalf("snapshots=%d recs=%+v", hk.snapshots, rec.recs)
	}
	if len(mirror.paths) != 3 || mirror.paths[0] != want {
		t.Fatalf("mirror=%v", mirror.paths)
	}
	if filepath.Base(mirror.paths[2]) != "meta.json" {
		t.Fatalf("archive meta not mirrored: %v", mirror.paths)
	}

	hdr, err := snapshot.ReadHeader(want)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.Block != 1000 || hdr.ChainID != "1" {
		t.Fatalf("header=%+v", hdr)
	}
}

func TestProcessor_SnapshotOnDemand(t *testing.T) {
	h := landtest.New(t)
	dir := t.TempDir()
	p := start(t, Options{DataDir: dir}, Deps{Indexer: h.Indexer, Reader: h.Reader})

	path, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Header.Cells != 0 || snap.Header.Block != 0 {
		t.Fatalf("header=%+v", snap.Header)
	}
}

func TestNew_RequiresIndexer(t *testing.T) {
	if _, err := New(Options{}, Deps{}); err == nil {
		t.Fatalf("expected error")
	}
}
