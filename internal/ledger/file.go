package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one JSON document per run under <workspace>/ledger.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("ledger: directory is required")
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the ledger directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Record writes the ledger exactly once. The document is staged in a temp
// file and hard linked into place so readers never see partial content and a
// second writer for the same run id fails with ErrAlreadyRecorded.
func (s *FileStore) Record(ctx context.Context, l RunLedger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ledger: create dir: %w", err)
	}
	encoded, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", l.RunID, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+l.RunID+"-*")
	if err != nil {
		return fmt.Errorf("ledger: stage %s: %w", l.RunID, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: stage %s: %w", l.RunID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: sync %s: %w", l.RunID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: stage %s: %w", l.RunID, err)
	}
	if err := os.Link(tmpPath, s.path(l.RunID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyRecorded, l.RunID)
		}
		return fmt.Errorf("ledger: publish %s: %w", l.RunID, err)
	}
	return nil
}

// Read loads one ledger.
func (s *FileStore) Read(ctx context.Context, runID string) (RunLedger, error) {
	if err := ctx.Err(); err != nil {
		return RunLedger{}, err
	}
	if err := ValidateRunID(runID); err != nil {
		return RunLedger{}, err
	}
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RunLedger{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return RunLedger{}, fmt.Errorf("ledger: read %s: %w", runID, err)
	}
	return decode(runID, data)
}

// List returns summaries most recent first. Records that fail to decode are
// reported in Unreadable and never abort the listing.
func (s *FileStore) List(ctx context.Context, limit, offset int) (ListResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ListResult{Summaries: []Summary{}}, nil
		}
		return ListResult{}, fmt.Errorf("ledger: list: %w", err)
	}
	var result ListResult
	var summaries []Summary
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return ListResult{}, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		runID := strings.TrimSuffix(name, ".json")
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			result.Unreadable = append(result.Unreadable, RecordError{RunID: runID, Err: err})
			continue
		}
		l, err := decode(runID, data)
		if err != nil {
			result.Unreadable = append(result.Unreadable, RecordError{RunID: runID, Err: err})
			continue
		}
		summaries = append(summaries, l.Summary())
	}
	sortSummaries(summaries)
	result.Summaries = page(summaries, limit, offset)
	return result, nil
}

func decode(runID string, data []byte) (RunLedger, error) {
	var l RunLedger
	if err := json.Unmarshal(data, &l); err != nil {
		return RunLedger{}, &CorruptionError{RunID: runID, Err: err}
	}
	if l.RunID != runID {
		return RunLedger{}, &CorruptionError{RunID: runID, Err: fmt.Errorf("embedded run id %q does not match", l.RunID)}
	}
	if err := l.Validate(); err != nil {
		return RunLedger{}, &CorruptionError{RunID: runID, Err: err}
	}
	return l, nil
}

func sortSummaries(summaries []Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].StartedAt.After(summaries[j].StartedAt)
		}
		return summaries[i].RunID > summaries[j].RunID
	})
}
