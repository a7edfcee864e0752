package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"schedd/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps run history in plain files.
//
// Files:
//   - <prefix>.runs.jsonl          (append-only JSON Lines)
//   - <prefix>.last.snapshot.json  (latest run per job)
//   - <prefix>.last.journal.jsonl  (append-only journal of latest runs)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	fs  afero.Fs
	log logx.Logger

	mu sync.Mutex

	runsPath string
	runsFile afero.File

	snapshotPath string
	journalFile  afero.File
	last         map[string]RunRecord

	journalWrites int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	snapPath := prefix + ".last.snapshot.json"
	journalPath := prefix + ".last.journal.jsonl"

	rf, err := fs.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	last := map[string]RunRecord{}
	if err := loadSnapshot(fs, snapPath, last); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(fs, journalPath, last); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run journal replay failed", logx.Err(err))
	}

	jf, err := fs.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("jobs", len(last)))
	return &fileStore{
		fs:           fs,
		log:          log,
		runsPath:     runsPath,
		runsFile:     rf,
		snapshotPath: snapPath,
		journalFile:  jf,
		last:         last,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	r = r.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil || s.journalFile == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	if r.Job == "" {
		return nil
	}

	s.last[r.Job] = r
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrDisabled
	}

	f, err := s.fs.Open(s.runsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Ring of the last limit lines.
	ring := make([]RunRecord, 0, limit)
	next := 0
	err = scanRecords(f, func(r RunRecord) {
		if len(ring) < limit {
			ring = append(ring, r)
			return
		}
		ring[next] = r
		next = (next + 1) % limit
	})
	if err != nil {
		return nil, err
	}

	out := make([]RunRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) LastRun(_ context.Context, job string) (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[strings.TrimSpace(job)]
	return r, ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.last); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(fs afero.Fs, path string, out map[string]RunRecord) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]RunRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(fs afero.Fs, path string, out map[string]RunRecord) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scanRecords(f, func(r RunRecord) {
		if r.Job != "" {
			out[r.Job] = r
		}
	})
}

// scanRecords skips lines that do not decode; a crash mid-append leaves at
// most one torn line.
func scanRecords(r io.Reader, fn func(RunRecord)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec RunRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		fn(rec)
	}
	return sc.Err()
}
