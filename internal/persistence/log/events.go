package log

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"peopleland.ai/internal/land"
	"peopleland.ai/internal/protocol"
)

const eventsPrefix = "events"

// EventLogger records every applied event as its wire envelope.
type EventLogger struct{ w *JSONLZstdWriter }

func NewEventLogger(dataDir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), eventsPrefix)}
}

func (l *EventLogger) WriteEvent(ev land.Event) error {
	env, err := protocol.EnvelopeFor(ev)
	if err != nil {
		return err
	}
	return l.w.Write(env)
}

func (l *EventLogger) Close() error { return l.w.Close() }

// EventFiles lists events-*.jsonl.zst under dir in chronological order.
func EventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, eventsPrefix+"-") || !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ReadEventFile decodes every line of one log file. Lines are validated
// against the event schema; fn sees events in file order.
func ReadEventFile(path string, fn func(land.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line := 0
	for {
		b, err := br.ReadBytes('\n')
		if len(b) > 0 {
			line++
			b = bytes.TrimSpace(b)
			if len(b) > 0 {
				ev, derr := protocol.DecodeEvent(b)
				if derr != nil {
					return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, derr)
				}
				if ferr := fn(ev); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
	}
}

// ReadEvents replays every log file under dir in order.
func ReadEvents(dir string, fn func(land.Event) error) error {
	files, err := EventFiles(dir)
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := ReadEventFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}
