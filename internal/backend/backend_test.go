package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"peopleland.ai/internal/config"
)

func TestOpenStore_SQLiteCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "index.sqlite")
	s, err := OpenStore(context.Background(), config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()
	if s.SQLite == nil || s.Postgres != nil {
		t.Fatalf("backend handles: %+v", s)
	}
	cur, err := s.Cursor(context.Background())
	if err != nil || !cur.IsZero() {
		t.Fatalf("cursor=%+v err=%v", cur, err)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	s, err := OpenStore(context.Background(), config.StoreConfig{Backend: config.BackendMemory}, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	s.Close()
	if s.SQLite != nil {
		t.Fatalf("memory backend exposed sqlite")
	}
}

func TestOpenStore_Unknown(t *testing.T) {
	if _, err := OpenStore(context.Background(), config.StoreConfig{Backend: "mongo"}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenChain_Fixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	doc := "cells:\n  - {x: 1, y: 2, token_id: \"9\", token_uri: u, from_block: 1}\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	r, release, err := OpenChain(context.Background(), config.ChainConfig{Source: config.ChainFixture, FixturePath: path}, nil)
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer release()
	id, err := r.TokenID(context.Background(), 5, 1, 2)
	if err != nil || id != "9" {
		t.Fatalf("TokenID=%q err=%v", id, err)
	}
}

func TestOpenChain_Unknown(t *testing.T) {
	if _, _, err := OpenChain(context.Background(), config.ChainConfig{Source: "ipc"}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
