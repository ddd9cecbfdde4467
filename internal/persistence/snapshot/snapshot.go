package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"peopleland.ai/internal/land"
)

const Version = 1

type Header struct {
	Version  int    `json:"version"`
	ChainID  string `json:"chain_id"`
	Block    uint64 `json:"block"`
	LogIndex uint32 `json:"log_index"`
	Cells    int    `json:"cells"`
	Owners   int    `json:"owners"`
}

func (h Header) Position() land.Position {
	return land.Position{Block: h.Block, LogIndex: h.LogIndex}
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Cells  []CellV1  `json:"cells"`
	Owners []OwnerV1 `json:"owners"`
}

type CellV1 struct {
	Key              string   `json:"id"`
	X                int64    `json:"x"`
	Y                int64    `json:"y"`
	Owner            string   `json:"owner,omitempty"`
	MintedBy         string   `json:"minted_by,omitempty"`
	TokenID          string   `json:"token_id,omitempty"`
	RenderedMetadata string   `json:"rendered_metadata,omitempty"`
	Slogan           string   `json:"slogan,omitempty"`
	Neighbors        []string `json:"neighbors,omitempty"`
	CreatedBlock     uint64   `json:"created_block"`
	CreatedTimestamp uint64   `json:"created_timestamp"`
	Granted          bool     `json:"granted"`
	GrantedBlock     uint64   `json:"granted_block,omitempty"`
	GrantedTimestamp uint64   `json:"granted_timestamp,omitempty"`
}

type OwnerV1 struct {
	Key   string   `json:"id"`
	Cells []string `json:"cells"`
}

func cellV1(c land.Cell) CellV1 {
	out := CellV1{
		Key:              c.Key,
		X:                c.X,
		Y:                c.Y,
		Owner:            c.Owner.Key(),
		MintedBy:         c.MintedBy.Key(),
		TokenID:          c.TokenID,
		RenderedMetadata: c.RenderedMetadata,
		Slogan:           c.Slogan,
		Neighbors:        c.Neighbors,
		CreatedBlock:     c.CreatedAt.Block,
		CreatedTimestamp: c.CreatedAt.Timestamp,
	}
	if c.GrantedAt != nil {
		out.Granted = true
		out.GrantedBlock = c.GrantedAt.Block
		out.GrantedTimestamp = c.GrantedAt.Timestamp
	}
	return out
}

func (c CellV1) cell() (land.Cell, error) {
	x, y, err := land.ParseCellKey(c.Key)
	if err != nil {
		return land.Cell{}, err
	}
	if x != c.X || y != c.Y {
		return land.Cell{}, fmt.Errorf("cell %s: coordinates (%d,%d) do not match key", c.Key, c.X, c.Y)
	}
	out := land.Cell{
		Key:              c.Key,
		X:                c.X,
		Y:                c.Y,
		TokenID:          c.TokenID,
		RenderedMetadata: c.RenderedMetadata,
		Slogan:           c.Slogan,
		Neighbors:        c.Neighbors,
		CreatedAt:        land.Provenance{Block: c.CreatedBlock, Timestamp: c.CreatedTimestamp},
	}
	if c.Owner != "" {
		out.Owner = land.Concrete(c.Owner)
	}
	if c.MintedBy != "" {
		out.MintedBy = land.Concrete(c.MintedBy)
	}
	if c.Granted {
		out.GrantedAt = &land.Provenance{Block: c.GrantedBlock, Timestamp: c.GrantedTimestamp}
	}
	return out, nil
}

// Export copies every record visible through r.
func Export(ctx context.Context, r land.Reader, chainID string) (SnapshotV1, error) {
	pos, err := r.Cursor(ctx)
	if err != nil {
		return SnapshotV1{}, err
	}
	snap := SnapshotV1{Header: Header{Version: Version, ChainID: chainID, Block: pos.Block, LogIndex: pos.LogIndex}}
	if err := r.Cells(ctx, func(c land.Cell) error {
		snap.Cells = append(snap.Cells, cellV1(c))
		return nil
	}); err != nil {
		return SnapshotV1{}, fmt.Errorf("export cells: %w", err)
	}
	if err := r.Owners(ctx, func(o land.Owner) error {
		snap.Owners = append(snap.Owners, OwnerV1{Key: o.Key, Cells: o.Cells.Keys()})
		return nil
	}); err != nil {
		return SnapshotV1{}, fmt.Errorf("export owners: %w", err)
	}
	snap.Header.Cells = len(snap.Cells)
	snap.Header.Owners = len(snap.Owners)
	return snap, nil
}

var ErrStoreNotEmpty = errors.New("store already has a cursor")

// Import loads snap into a store that has never applied an event, in a single
// transaction that also sets the cursor.
func Import(ctx context.Context, s land.Store, snap SnapshotV1) error {
	if snap.Header.Version != Version {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, hasCur, err := tx.Cursor(ctx)
	if err != nil {
		return err
	}
	if hasCur {
		return fmt.Errorf("%w (%d:%d)", ErrStoreNotEmpty, cur.Block, cur.LogIndex)
	}
	for _, cv := range snap.Cells {
		c, err := cv.cell()
		if err != nil {
			return err
		}
		if err := tx.PutCell(ctx, c); err != nil {
			return fmt.Errorf("import cell %s: %w", c.Key, err)
		}
	}
	for _, ov := range snap.Owners {
		if _, err := land.OwnerKey(ov.Key); err != nil {
			return fmt.Errorf("import owner: %w", err)
		}
		o := land.Owner{Key: ov.Key, Cells: land.NewKeySet(ov.Cells...)}
		if err := tx.PutOwner(ctx, o); err != nil {
			return fmt.Errorf("import owner %s: %w", o.Key, err)
		}
	}
	if err := tx.SetCursor(ctx, snap.Header.Position()); err != nil {
		return err
	}
	return tx.Commit()
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is for tools that only need ReadHeader; gob repeats it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// FileName is the canonical snapshot name for a cursor position.
func FileName(p land.Position) string {
	return fmt.Sprintf("%012d-%06d.snap.zst", p.Block, p.LogIndex)
}
