// Package ingest runs the indexer on a single goroutine and owns everything
// that happens around an applied event: the event log, snapshots, archives
// and the bucket mirror.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"peopleland.ai/internal/land"
	"peopleland.ai/internal/persistence/archive"
	"peopleland.ai/internal/persistence/indexdb"
	"peopleland.ai/internal/persistence/snapshot"
)

var (
	// ErrHalted is returned for every event submitted after a fault.
	ErrHalted = errors.New("processor halted")
	ErrClosed = errors.New("processor stopped")
)

type EventLog interface {
	WriteEvent(ev land.Event) error
}

type Uploader interface {
	Enqueue(localPath string)
}

type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, r indexdb.SnapshotRecord) error
}

// Hooks receives processor state changes; *metrics.Metrics implements it.
type Hooks interface {
	SetHalted(bool)
	SnapshotWritten()
	EventLogFailed()
}

type Options struct {
	ChainID             string
	DataDir             string
	QueueSize           int
	EventTimeout        time.Duration
	SnapshotEveryBlocks uint64
	ArchiveEpochBlocks  uint64
}

type Deps struct {
	Indexer  *land.Indexer
	Reader   land.Reader
	EventLog EventLog         // optional
	Mirror   Uploader         // optional
	Recorder SnapshotRecorder // optional
	Hooks    Hooks            // optional
	Logger   *zap.Logger
}

type Result struct {
	Outcome land.Outcome
	Cursor  land.Position
}

type request struct {
	ctx   context.Context
	ev    land.Event
	reply chan response
}

type snapshotRequest struct {
	reply chan snapshotResponse
}

type response struct {
	res Result
	err error
}

type snapshotResponse struct {
	path string
	err  error
}

type Processor struct {
	opts Options
	deps Deps
	log  *zap.Logger

	inbox     chan request
	snapshots chan snapshotRequest
	done      chan struct{}

	mu       sync.RWMutex
	haltedBy error
	cursor   land.Position

	// Owned by Run.
	lastSnapshotBlock uint64
}

func New(opts Options, deps Deps) (*Processor, error) {
	if deps.Indexer == nil || deps.Reader == nil {
		return nil, fmt.Errorf("ingest: indexer and reader are required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Processor{
		opts:      opts,
		deps:      deps,
		log:       deps.Logger,
		inbox:     make(chan request, opts.QueueSize),
		snapshots: make(chan snapshotRequest),
		done:      make(chan struct{}),
	}, nil
}

// Run drains the inbox until ctx is cancelled. Events are applied strictly in
// submission order.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)

	cur, err := p.deps.Reader.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("ingest: read cursor: %w", err)
	}
	p.setCursor(cur)
	p.lastSnapshotBlock = cur.Block
	p.log.Info("processor started", zap.Uint64("cursor_block", cur.Block), zap.Uint32("cursor_log_index", cur.LogIndex))

	for {
		select {
		case <-ctx.Done():
			p.drain(ErrClosed)
			return ctx.Err()
		case req := <-p.inbox:
			res, err := p.handle(req)
			req.reply <- response{res: res, err: err}
		case req := <-p.snapshots:
			path, err := p.writeSnapshot(ctx)
			req.reply <- snapshotResponse{path: path, err: err}
		}
	}
}

func (p *Processor) drain(err error) {
	for {
		select {
		case req := <-p.inbox:
			req.reply <- response{err: err}
		default:
			return
		}
	}
}

func (p *Processor) handle(req request) (Result, error) {
	if err := p.Halted(); err != nil {
		return Result{}, err
	}
	if err := req.ctx.Err(); err != nil {
		return Result{}, err
	}
	ctx := req.ctx
	if p.opts.EventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.EventTimeout)
		defer cancel()
	}

	out, err := p.deps.Indexer.Apply(ctx, req.ev)
	if err != nil {
		p.halt(req.ev, err)
		return Result{}, err
	}
	if out == land.OutcomeSkipped {
		return Result{Outcome: out, Cursor: p.Cursor()}, nil
	}

	pos := req.ev.EventMeta().Position()
	p.setCursor(pos)
	// The event is already committed, so a log failure only leaves a gap in
	// the replay log. It is counted rather than halting ingest.
	if p.deps.EventLog != nil {
		if err := p.deps.EventLog.WriteEvent(req.ev); err != nil {
			p.log.Error("event log write failed; replay log has a gap",
				zap.String("event", land.Describe(req.ev)), zap.Error(err))
			if p.deps.Hooks != nil {
				p.deps.Hooks.EventLogFailed()
			}
		}
	}
	p.maybeSnapshot(ctx, pos.Block)
	return Result{Outcome: out, Cursor: pos}, nil
}

func (p *Processor) halt(ev land.Event, err error) {
	p.mu.Lock()
	p.haltedBy = err
	p.mu.Unlock()
	if p.deps.Hooks != nil {
		p.deps.Hooks.SetHalted(true)
	}
	p.log.Error("processor halted",
		zap.String("event", land.Describe(ev)),
		zap.String("class", string(land.FaultClassOf(err))),
		zap.Error(err))
}

// Submit queues ev and waits for it to be applied.
func (p *Processor) Submit(ctx context.Context, ev land.Event) (Result, error) {
	if err := p.Halted(); err != nil {
		return Result{}, err
	}
	req := request{ctx: ctx, ev: ev, reply: make(chan response, 1)}
	select {
	case p.inbox <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.done:
		return Result{}, ErrClosed
	}
	select {
	case resp := <-req.reply:
		return resp.res, resp.err
	case <-p.done:
		// Run may have answered just before exiting.
		select {
		case resp := <-req.reply:
			return resp.res, resp.err
		default:
			return Result{}, ErrClosed
		}
	}
}

// Snapshot writes a snapshot between two events and returns its path.
func (p *Processor) Snapshot(ctx context.Context) (string, error) {
	req := snapshotRequest{reply: make(chan snapshotResponse, 1)}
	select {
	case p.snapshots <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.done:
		return "", ErrClosed
	}
	resp := <-req.reply
	return resp.path, resp.err
}

// Halted returns nil while running, or ErrHalted wrapping the fault that
// stopped the processor.
func (p *Processor) Halted() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.haltedBy == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrHalted, p.haltedBy)
}

func (p *Processor) Cursor() land.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursor
}

func (p *Processor) setCursor(c land.Position) {
	p.mu.Lock()
	p.cursor = c
	p.mu.Unlock()
}

func (p *Processor) maybeSnapshot(ctx context.Context, block uint64) {
	every := p.opts.SnapshotEveryBlocks
	if every == 0 || block/every == p.lastSnapshotBlock/every {
		return
	}
	if _, err := p.writeSnapshot(ctx); err != nil {
		p.log.Error("snapshot failed", zap.Uint64("block", block), zap.Error(err))
	}
}

func (p *Processor) writeSnapshot(ctx context.Context) (string, error) {
	snap, err := snapshot.Export(ctx, p.deps.Reader, p.opts.ChainID)
	if err != nil {
		return "", err
	}
	pos := snap.Header.Position()
	path := filepath.Join(p.opts.DataDir, "snapshots", snapshot.FileName(pos))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	p.lastSnapshotBlock = pos.Block
	if p.deps.Hooks != nil {
		p.deps.Hooks.SnapshotWritten()
	}
	p.log.Info("snapshot written",
		zap.String("path", path),
		zap.Uint64("block", pos.Block),
		zap.Int("cells", snap.Header.Cells),
		zap.Int("owners", snap.Header.Owners))

	if p.deps.Recorder != nil {
		rec := indexdb.SnapshotRecord{Pos: pos, Path: path, Cells: snap.Header.Cells, Owners: snap.Header.Owners}
		if err := p.deps.Recorder.RecordSnapshot(ctx, rec); err != nil {
			p.log.Warn("record snapshot failed", zap.Error(err))
		}
	}
	if p.deps.Mirror != nil {
		p.deps.Mirror.Enqueue(path)
	}
	epoch, archived, ok, err := archive.ArchiveEpochSnapshot(p.opts.DataDir, path, snap.Header, p.opts.ArchiveEpochBlocks)
	if err != nil {
		p.log.Warn("archive snapshot failed", zap.Error(err))
	} else if ok {
		p.log.Info("epoch archived", zap.Uint64("epoch", epoch), zap.String("path", archived))
		if p.deps.Mirror != nil {
			p.deps.Mirror.Enqueue(archived)
			p.deps.Mirror.Enqueue(filepath.Join(filepath.Dir(archived), "meta.json"))
		}
	}
	return path, nil
}
