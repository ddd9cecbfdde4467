package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"peopleland.ai/internal/land"
	"peopleland.ai/internal/land/landtest"
)

type fakeProc struct {
	cursor land.Position
	halted error
	snaps  int
}

func (p *fakeProc) Cursor() land.Position { return p.cursor }
func (p *fakeProc) Halted() error         { return p.halted }
func (p *fakeProc) Snapshot(context.Context) (string, error) {
	p.snaps++
	return "/data/snapshots/x.snap.zst", nil
}

func newMux(t *testing.T) (*http.ServeMux, *landtest.Harness, *fakeProc) {
	t.Helper()
	h := landtest.New(t)
	h.Chain.Mint(-1, 5, 11)
	h.MustApply(land.Create{Meta: h.Next(), X: -1, Y: 5, Minter: landtest.Minter})
	h.MustApply(land.Grant{Meta: h.Next(), X: -1, Y: 5, Recipient: landtest.Alice})

	proc := &fakeProc{cursor: land.Position{Block: 102}}
	mux := http.NewServeMux()
	(&Server{Reader: h.Reader, Proc: proc, ChainID: "1", Admin: true}).Register(mux)
	return mux, h, proc
}

func do(mux *http.ServeMux, method, target, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	mux, _, proc := newMux(t)
	if rec := do(mux, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	proc.halted = errors.New("integrity")
	if rec := do(mux, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("halted status=%d", rec.Code)
	}
}

func TestAdminLoopbackOnly(t *testing.T) {
	mux, _, proc := newMux(t)

	if rec := do(mux, http.MethodGet, "/admin/v1/state", "203.0.113.9:4000"); rec.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d", rec.Code)
	}

	rec := do(mux, http.MethodGet, "/admin/v1/state", "127.0.0.1:4000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var st stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Cursor.Block != 102 || st.Halted || st.ChainID != "1" {
		t.Fatalf("state=%+v", st)
	}

	if rec := do(mux, http.MethodPost, "/admin/v1/snapshot", "[::1]:4000"); rec.Code != http.StatusOK || proc.snaps != 1 {
		t.Fatalf("snapshot status=%d snaps=%d", rec.Code, proc.snaps)
	}

	rec = do(mux, http.MethodGet, "/admin/v1/verify", "127.0.0.1:4000")
	var v struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil || !v.OK {
		t.Fatalf("verify body=%s err=%v", rec.Body, err)
	}
}
