package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.targets.json  (snapshot, rewritten on change)
//   - <prefix>.results.jsonl (append-only JSON Lines, compacted in place)
//
// Only the newest fileMaxResults results are retained; the journal is
// periodically rewritten from that window so it stays bounded.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	targetsPath string
	targets     map[string]Target // keyed by URL

	resultsPath string
	resultsFile *os.File
	results     []CheckRecord // newest last

	nextTargetID int64
	nextResultID int64
	writes       int
}

const (
	fileMaxResults   = 1000
	fileCompactEvery = 1000
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	targetsPath := prefix + ".targets.json"
	resultsPath := prefix + ".results.jsonl"

	targets := map[string]Target{}
	_ = loadTargetsSnapshot(targetsPath, targets)

	results, _ := replayResultsJournal(resultsPath)

	rf, err := os.OpenFile(resultsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := &fileStore{
		log:         log,
		targetsPath: targetsPath,
		targets:     targets,
		resultsPath: resultsPath,
		resultsFile: rf,
		results:     results,

		nextTargetID: 1,
		nextResultID: 1,
	}
	for _, t := range targets {
		if t.ID >= st.nextTargetID {
			st.nextTargetID = t.ID + 1
		}
	}
	for _, r := range results {
		if r.ID >= st.nextResultID {
			st.nextResultID = r.ID + 1
		}
	}
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultsFile == nil {
		return nil
	}
	err := s.resultsFile.Close()
	s.resultsFile = nil
	return err
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultsFile == nil {
		return errors.New("file store closed")
	}
	return nil
}

func (s *fileStore) SaveTarget(ctx context.Context, t Target) (int64, error) {
	_ = ctx
	if strings.TrimSpace(t.URL) == "" {
		return 0, errors.New("target url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.targets[t.URL]; ok {
		t.ID = prev.ID
		t.CreatedAt = prev.CreatedAt
	} else {
		t.ID = s.nextTargetID
		s.nextTargetID++
		t.CreatedAt = time.Now()
	}
	t.Active = true
	s.targets[t.URL] = t

	if err := s.saveTargetsLocked(); err != nil {
		return 0, err
	}
	return t.ID, nil
}

func (s *fileStore) Targets(ctx context.Context) ([]Target, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) DeactivateTarget(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	for url, t := range s.targets {
		if t.ID == id {
			t.Active = false
			s.targets[url] = t
			return s.saveTargetsLocked()
		}
	}
	return nil
}

func (s *fileStore) SaveResult(ctx context.Context, r CheckRecord) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultsFile == nil {
		return 0, errors.New("file store closed")
	}

	r.ID = s.nextResultID
	s.nextResultID++
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now()
	}

	if err := json.NewEncoder(s.resultsFile).Encode(r); err != nil {
		return 0, err
	}
	s.results = append(s.results, r)
	if len(s.results) > fileMaxResults {
		s.results = s.results[len(s.results)-fileMaxResults:]
	}

	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("results compact failed", logx.Err(err))
		}
	}
	return r.ID, nil
}

func (s *fileStore) RecentResults(ctx context.Context, url string, limit int) ([]CheckRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var byID map[int64]string
	out := make([]CheckRecord, 0, limit)
	for i := len(s.results) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.results[i]
		if r.URL == "" {
			if byID == nil {
				byID = make(map[int64]string, len(s.targets))
				for u, t := range s.targets {
					byID[t.ID] = u
				}
			}
			r.URL = byID[r.WebsiteID]
		}
		if url != "" && r.URL != url {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *fileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.results[:0]
	var dropped int64
	for _, r := range s.results {
		if r.CheckedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	s.results = kept
	if dropped == 0 {
		return 0, nil
	}
	if err := s.compactLocked(); err != nil {
		return dropped, err
	}
	return dropped, nil
}

func (s *fileStore) saveTargetsLocked() error {
	tmp := s.targetsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.targets); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.targetsPath)
}

// compactLocked rewrites the journal from the in-memory window and swaps
// the append handle to the fresh file.
func (s *fileStore) compactLocked() error {
	tmp := s.resultsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.results {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.resultsPath); err != nil {
		return err
	}

	nf, err := os.OpenFile(s.resultsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if s.resultsFile != nil {
		_ = s.resultsFile.Close()
	}
	s.resultsFile = nf
	return nil
}

func loadTargetsSnapshot(path string, out map[string]Target) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Target
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayResultsJournal(path string) ([]CheckRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []CheckRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r CheckRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		all = append(all, r)
	}
	if len(all) > fileMaxResults {
		all = append([]CheckRecord(nil), all[len(all)-fileMaxResults:]...)
	}
	return all, sc.Err()
}
