package r2s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Uploader is satisfied by *Client.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

// Stats is a point-in-time view of the mirror counters.
type Stats struct {
	Queued   int
	Capacity int
	Dropped  uint64
	Skipped  uint64
	Uploaded uint64
	Failed   uint64
}

type MirrorOptions struct {
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	// Attempts per file; attempt n is preceded by a (n-1)^2 * Backoff pause.
	Attempts      int
	Backoff       time.Duration
	UploadTimeout time.Duration
}

type upload struct {
	local string
	key   string
}

// Mirror copies files under dataDir (snapshots and archives) to a bucket,
// keyed by their path relative to dataDir.
type Mirror struct {
	client  Uploader
	dataDir string
	prefix  string
	opts    MirrorOptions
	log     *zap.Logger

	queue     chan upload
	wg        sync.WaitGroup
	closeOnce sync.Once

	dropped  atomic.Uint64
	skipped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
}

func NewMirror(client Uploader, dataDir, prefix string, opts MirrorOptions, logger *zap.Logger) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mirror{
		client:  client,
		dataDir: dataDir,
		prefix:  strings.Trim(filepath.ToSlash(prefix), "/"),
		opts:    opts,
		log:     logger,
		queue:   make(chan upload, opts.QueueCapacity),
	}
	m.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go m.worker()
	}
	return m
}

// Enqueue schedules localPath for upload. Paths outside dataDir are skipped.
// A full queue is waited on for at most EnqueueWait, then the file is dropped;
// the ingest loop calls this and must not stall on the network.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	key, err := m.ObjectKey(localPath)
	if err != nil {
		m.skipped.Add(1)
		m.log.Warn("mirror skip", zap.String("local", localPath), zap.Error(err))
		return
	}
	u := upload{local: localPath, key: key}

	select {
	case m.queue <- u:
		return
	default:
	}
	timer := time.NewTimer(m.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case m.queue <- u:
	case <-timer.C:
		m.log.Warn("mirror drop",
			zap.String("key", key),
			zap.Duration("wait", m.opts.EnqueueWait),
			zap.Uint64("dropped_total", m.dropped.Add(1)))
	}
}

// Close uploads whatever is queued and waits for the workers.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		close(m.queue)
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Queued:   len(m.queue),
		Capacity: cap(m.queue),
		Dropped:  m.dropped.Load(),
		Skipped:  m.skipped.Load(),
		Uploaded: m.uploaded.Load(),
		Failed:   m.failed.Load(),
	}
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for u := range m.queue {
		start := time.Now()
		if err := m.put(u); err != nil {
			m.failed.Add(1)
			m.log.Error("mirror upload failed", zap.String("key", u.key), zap.Error(err))
			continue
		}
		m.uploaded.Add(1)
		m.log.Info("mirror uploaded", zap.String("key", u.key), zap.Duration("took", time.Since(start)))
	}
}

func (m *Mirror) put(u upload) error {
	var err error
	for attempt := 1; attempt <= m.opts.Attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration((attempt-1)*(attempt-1)) * m.opts.Backoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.UploadTimeout)
		err = m.client.PutFile(ctx, u.key, u.local)
		cancel()
		if err == nil {
			return nil
		}
		m.log.Debug("mirror attempt failed", zap.String("key", u.key), zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("%d attempts: %w", m.opts.Attempts, err)
}

// ObjectKey maps a file under the data dir to its bucket key.
func (m *Mirror) ObjectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	base, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside data dir %s", abs, base)
	}
	return path.Join(m.prefix, rel), nil
}
