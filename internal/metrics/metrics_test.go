package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"peopleland.ai/internal/land"
	"peopleland.ai/internal/persistence/r2s3"
)

func TestMetrics_Observer(t *testing.T) {
	m := New()
	m.EventApplied(land.KindGrant, land.OutcomeApplied, land.Position{Block: 42})
	m.EventApplied(land.KindCreate, land.OutcomeNoop, land.Position{Block: 43})
	m.EventApplied(land.KindCreate, land.OutcomeSkipped, land.Position{Block: 7})
	m.EventFailed(land.KindAnnotate, land.FaultIntegrity)
	m.ChainRead("token_uri", 5*time.Millisecond, nil)
	m.ChainRead("token_uri", time.Millisecond, errors.New("boom"))
	m.SetHalted(true)
	m.SnapshotWritten()
	m.EventLogFailed()

	if got := testutil.ToFloat64(m.eventsTotal.WithLabelValues("create", "noop")); got != 1 {
		t.Fatalf("duplicate creates=%v", got)
	}
	if got := testutil.ToFloat64(m.lastBlock); got != 43 {
		t.Fatalf("last block=%v (skipped events must not move it)", got)
	}
	if got := testutil.ToFloat64(m.faultsTotal.WithLabelValues("annotate", "integrity")); got != 1 {
		t.Fatalf("faults=%v", got)
	}
	if got := testutil.ToFloat64(m.chainReadErrors.WithLabelValues("token_uri")); got != 1 {
		t.Fatalf("chain read errors=%v", got)
	}
	if got := testutil.CollectAndCount(m.chainReads); got != 1 {
		t.Fatalf("histogram series=%d", got)
	}
	if testutil.ToFloat64(m.halted) != 1 || testutil.ToFloat64(m.snapshotsTotal) != 1 {
		t.Fatalf("halted/snapshots not recorded")
	}
	if testutil.ToFloat64(m.eventLogErrors) != 1 {
		t.Fatalf("event log errors not recorded")
	}
}

func TestMetrics_HandlerServesMirrorGauges(t *testing.T) {
	m := New()
	mirror := r2s3.NewMirror(nil, t.TempDir(), "", r2s3.MirrorOptions{}, nil)
	defer mirror.Close()
	m.WatchMirror(mirror)
	m.SessionOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"land_indexer_mirror_queue_depth 0", "land_indexer_ingest_sessions 1"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
