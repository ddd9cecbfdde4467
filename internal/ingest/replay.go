package ingest

import (
	"context"
	"errors"
	"fmt"

	"peopleland.ai/internal/land"
	persistlog "peopleland.ai/internal/persistence/log"
)

type ReplayStats struct {
	Applied int
	Noop    int
	Skipped int
	Last    land.Position
}

var errStop = errors.New("stop")

// Replay applies every event in the log files under eventsDir, in order,
// stopping after toBlock when it is non-zero. Events at or before the store
// cursor are skipped by the indexer, so a replay can resume a restored
// snapshot. The first fault ends the replay.
func Replay(ctx context.Context, ix *land.Indexer, eventsDir string, toBlock uint64) (ReplayStats, error) {
	var st ReplayStats
	err := persistlog.ReadEvents(eventsDir, func(ev land.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		pos := ev.EventMeta().Position()
		if toBlock != 0 && pos.Block > toBlock {
			return errStop
		}
		out, err := ix.Apply(ctx, ev)
		if err != nil {
			return fmt.Errorf("%s: %w", land.Describe(ev), err)
		}
		switch out {
		case land.OutcomeApplied:
			st.Applied++
		case land.OutcomeNoop:
			st.Noop++
		case land.OutcomeSkipped:
			st.Skipped++
			return nil
		}
		st.Last = pos
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return st, err
}
