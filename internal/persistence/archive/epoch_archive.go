package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"peopleland.ai/internal/persistence/snapshot"
)

type EpochArchiveMeta struct {
	Epoch       uint64 `json:"epoch"`
	EpochBlocks uint64 `json:"epoch_blocks"`
	ChainID     string `json:"chain_id"`
	Block       uint64 `json:"block"`
	LogIndex    uint32 `json:"log_index"`
	Cells       int    `json:"cells"`
	Owners      int    `json:"owners"`
	Snapshot    string `json:"snapshot"`
	CreatedAt   string `json:"created_at"`
}

// ArchiveEpochSnapshot keeps the first snapshot taken in each block epoch
// under dataDir/archives/epoch_<NNNNNN>/. Later snapshots in an epoch that is
// already archived are left alone.
func ArchiveEpochSnapshot(dataDir, snapshotPath string, hdr snapshot.Header, epochBlocks uint64) (epoch uint64, archivedPath string, archived bool, err error) {
	if epochBlocks == 0 {
		return 0, "", false, nil
	}
	epoch = hdr.Block / epochBlocks

	archiveDir := filepath.Join(dataDir, "archives", fmt.Sprintf("epoch_%06d", epoch))
	metaPath := filepath.Join(archiveDir, "meta.json")
	if _, err := os.Stat(metaPath); err == nil {
		return epoch, "", false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, "", false, err
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return 0, "", false, err
	}

	meta := EpochArchiveMeta{
		Epoch:       epoch,
		EpochBlocks: epochBlocks,
		ChainID:     hdr.ChainID,
		Block:       hdr.Block,
		LogIndex:    hdr.LogIndex,
		Cells:       hdr.Cells,
		Owners:      hdr.Owners,
		Snapshot:    filepath.Base(dst),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return 0, "", false, err
	}
	// meta.json marks the epoch as done, so it is written last.
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		return 0, "", false, err
	}
	return epoch, dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
