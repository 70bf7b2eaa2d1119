package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// JournalSink appends every event to a gzip-compressed JSONL file, one file
// per batch, so a run can be audited after the fact.
type JournalSink struct {
	mu   sync.Mutex
	file *os.File
	gz   *gzip.Writer
	enc  *json.Encoder
	log  *slog.Logger
}

// NewJournalSink creates the journal file dir/batch_<batchID>.jsonl.gz.
func NewJournalSink(dir, batchID string) (*JournalSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("batch_%s.jsonl.gz", batchID))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create journal file: %w", err)
	}

	gz := gzip.NewWriter(f)
	return &JournalSink{
		file: f,
		gz:   gz,
		enc:  json.NewEncoder(gz),
		log:  slog.With("component", "progress", "sink", "journal", "path", path),
	}, nil
}

func (s *JournalSink) Notify(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gz == nil {
		return
	}
	if err := s.enc.Encode(evt); err != nil {
		s.log.Warn("journal write failed", "error", err)
	}
}

// Close flushes the compressed stream and closes the file.
func (s *JournalSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gz == nil {
		return nil
	}
	gzErr := s.gz.Close()
	fileErr := s.file.Close()
	s.gz = nil
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}

// ReadJournal loads all events back from a journal file. Used by tests and
// post-run tooling.
func ReadJournal(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	var events []Event
	dec := json.NewDecoder(gz)
	for dec.More() {
		var evt Event
		if err := dec.Decode(&evt); err != nil {
			return nil, fmt.Errorf("decode journal record: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}
