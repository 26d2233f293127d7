package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"myschedule/internal/task/job"
	logx "myschedule/pkg/logx"
)

// fileStore is the memory store made durable with plain files.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only change journal, one atomic change per line)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*Memory
	log logx.Logger

	snapshotPath string
	journal      *os.File
	enc          *json.Encoder

	writes       int
	compactEvery int
}

type snapshot struct {
	Jobs     []job.JobDetail    `json:"jobs"`
	Triggers []triggerRecord    `json:"triggers"`
	History  []job.FireInstance `json:"history,omitempty"`
}

const defaultCompactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory(cfg.HistorySize)
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	fs := &fileStore{
		Memory:       mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		enc:          json.NewEncoder(jf),
		writes:       n,
		compactEvery: every,
	}
	mem.sink = fs.write
	mem.afterCommit = fs.maybeCompact
	log.Debug("file store loaded",
		logx.String("path", prefix),
		logx.Int("triggers", len(mem.triggers)),
		logx.Int("jobs", len(mem.jobs)),
		logx.Int("journal_records", n),
	)
	return fs, nil
}

// write runs under the memory lock.
func (s *fileStore) write(ch *change) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := s.enc.Encode(ch); err != nil {
		return err
	}
	s.writes++
	return nil
}

func (s *fileStore) maybeCompact() {
	if s.writes < s.compactEvery {
		return
	}
	if err := s.compactLocked(); err != nil {
		// Best-effort; the journal stays authoritative.
		s.log.Warn("store compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	m := s.Memory
	snap := snapshot{
		Jobs:     make([]job.JobDetail, 0, len(m.jobs)),
		Triggers: make([]triggerRecord, 0, len(m.triggers)),
	}
	for _, d := range m.jobs {
		snap.Jobs = append(snap.Jobs, d)
	}
	for _, r := range m.triggers {
		snap.Triggers = append(snap.Triggers, *r)
	}
	for _, h := range m.history {
		snap.History = append(snap.History, h...)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func (s *fileStore) Close() error {
	s.Memory.mu.Lock()
	defer s.Memory.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	s.Memory.closed = true
	if err := s.compactLocked(); err != nil {
		s.log.Warn("final store compact failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func loadSnapshot(path string, m *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	m.apply(&change{PutJobs: snap.Jobs, PutTriggers: snap.Triggers, Fires: snap.History})
	return nil
}

// replayJournal applies journal changes in order. A torn trailing line from a
// crash is skipped.
func replayJournal(path string, m *Memory) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var ch change
		if err := json.Unmarshal(sc.Bytes(), &ch); err != nil {
			continue
		}
		m.apply(&ch)
		n++
	}
	return n, sc.Err()
}
