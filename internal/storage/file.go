package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"crawlsched/internal/tenant"
	logx "crawlsched/pkg/logx"
)

// fileStore keeps state in JSON files next to the configured path.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//   - <prefix>.lock (held exclusively while open)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	lock *flock.Flock

	snapshotPath string
	journalFile  *os.File

	state fileState

	writes       int
	compactEvery int
}

type fileState struct {
	Sites   map[tenant.ID]*fileSite `json:"sites"`
	Cursors map[string]tenant.ID    `json:"cursors"`
}

type fileSite struct {
	ID       tenant.ID         `json:"id"`
	Name     string            `json:"name"`
	Status   string            `json:"status"`
	Settings map[string]string `json:"settings"`
}

const (
	opSite    = "site"
	opSetting = "setting"
	opCursor  = "cursor"
)

type journalRecord struct {
	Op     string    `json:"op"`
	Site   tenant.ID `json:"site,omitempty"`
	Name   string    `json:"name,omitempty"`
	Status string    `json:"status,omitempty"`
	Key    string    `json:"key,omitempty"`
	Value  string    `json:"value,omitempty"`
	// Settings is only set for opSite.
	Settings map[string]string `json:"settings,omitempty"`
}

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

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	lock := flock.New(prefix + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", lock.Path(), ErrLocked)
	}

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.Unlock()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.Unlock()
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	return &fileStore{
		log:          log,
		lock:         lock,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
		compactEvery: 500,
	}, nil
}

func newFileState() fileState {
	return fileState{Sites: map[tenant.ID]*fileSite{}, Cursors: map[string]tenant.ID{}}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journalFile.Close(); err == nil {
		err = cerr
	}
	s.journalFile = nil
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

func (s *fileStore) QueryActive(ctx context.Context, flag string) ([]tenant.ID, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []tenant.ID
	for id, site := range s.state.Sites {
		if site.Status == tenant.StatusPublished && tenant.IsTruthy(site.Settings[flag]) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *fileStore) LoadSettings(ctx context.Context, id tenant.ID) (tenant.Settings, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.state.Sites[id]
	if !ok {
		return nil, fmt.Errorf("site %d: %w", id, ErrNotFound)
	}
	return tenant.Settings(site.Settings).Clone(), nil
}

func (s *fileStore) SaveSetting(ctx context.Context, id tenant.ID, key, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Sites[id]; !ok {
		return fmt.Errorf("site %d: %w", id, ErrNotFound)
	}
	return s.applyLocked(journalRecord{Op: opSetting, Site: id, Key: key, Value: value})
}

func (s *fileStore) UpsertSite(ctx context.Context, site tenant.Site) error {
	_ = ctx
	if site.ID <= 0 {
		return errors.New("site id must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(journalRecord{
		Op:       opSite,
		Site:     site.ID,
		Name:     site.Name,
		Status:   site.Status,
		Settings: map[string]string(site.Settings.Clone()),
	})
}

func (s *fileStore) GetSite(ctx context.Context, id tenant.ID) (tenant.Site, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.state.Sites[id]
	if !ok {
		return tenant.Site{}, fmt.Errorf("site %d: %w", id, ErrNotFound)
	}
	return tenant.Site{
		ID:       site.ID,
		Name:     site.Name,
		Status:   site.Status,
		Settings: tenant.Settings(site.Settings).Clone(),
	}, nil
}

func (s *fileStore) GetCursor(ctx context.Context, key string) (tenant.ID, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.Cursors[key]
	return id, ok, nil
}

func (s *fileStore) SetCursor(ctx context.Context, key string, id tenant.ID) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("cursor key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(journalRecord{Op: opCursor, Key: key, Site: id})
}

// applyLocked appends r to the journal and then applies it in memory.
func (s *fileStore) applyLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.state.apply(r)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (st *fileState) apply(r journalRecord) {
	switch r.Op {
	case opSite:
		settings := r.Settings
		if settings == nil {
			settings = map[string]string{}
		}
		st.Sites[r.Site] = &fileSite{ID: r.Site, Name: r.Name, Status: r.Status, Settings: settings}
	case opSetting:
		site, ok := st.Sites[r.Site]
		if !ok {
			return
		}
		if site.Settings == nil {
			site.Settings = map[string]string{}
		}
		site.Settings[r.Key] = r.Value
	case opCursor:
		st.Cursors[r.Key] = r.Site
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for id, site := range st.Sites {
		out.Sites[id] = site
	}
	for k, v := range st.Cursors {
		out.Cursors[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn trailing write after a crash; skip it.
			continue
		}
		out.apply(r)
	}
	return sc.Err()
}
