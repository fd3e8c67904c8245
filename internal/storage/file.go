package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	logx "midibot/pkg/logx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const compactEvery = 500

// fileStore keeps state in memory and persists it as
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.state.snapshot.json  (aliases and bans)
//   - <prefix>.state.journal.jsonl  (changes since the snapshot)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	state        fileState

	writes int
}

type fileState struct {
	Aliases map[string]string `json:"aliases"`
	Bans    map[string]Ban    `json:"bans"`
}

type journalRecord struct {
	Op    string    `json:"op"`
	Key   string    `json:"key"`
	Value string    `json:"value,omitempty"`
	At    time.Time `json:"at,omitempty"`
}

const (
	opAliasPut = "alias_put"
	opAliasDel = "alias_del"
	opBan      = "ban"
	opUnban    = "unban"
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

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := fileState{Aliases: map[string]string{}, Bans: map[string]Ban{}}
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// ---- aliases ----

func (s *fileStore) AliasExists(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.GetAlias(ctx, name)
	return ok, err
}

func (s *fileStore) GetAlias(ctx context.Context, name string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.state.Aliases[AliasKey(name)]
	return req, ok, nil
}

func (s *fileStore) SaveAlias(ctx context.Context, name, request string) error {
	_ = ctx
	key := AliasKey(name)
	if key == "" {
		return errors.New("alias name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Aliases[key]; ok {
		return ErrConflict
	}
	if err := s.appendLocked(journalRecord{Op: opAliasPut, Key: key, Value: request}); err != nil {
		return err
	}
	s.state.Aliases[key] = request
	return nil
}

func (s *fileStore) DeleteAlias(ctx context.Context, name string) (bool, error) {
	_ = ctx
	key := AliasKey(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Aliases[key]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: opAliasDel, Key: key}); err != nil {
		return false, err
	}
	delete(s.state.Aliases, key)
	return true, nil
}

func (s *fileStore) ListAliases(ctx context.Context) ([]Alias, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Alias, 0, len(s.state.Aliases))
	for k, v := range s.state.Aliases {
		out = append(out, Alias{Name: k, Request: v})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---- bans ----

func (s *fileStore) Ban(ctx context.Context, username, by string) error {
	_ = ctx
	key := UserKey(username)
	if key == "" {
		return errors.New("username is empty")
	}
	rec := journalRecord{Op: opBan, Key: key, Value: by, At: time.Now().UTC()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(rec); err != nil {
		return err
	}
	s.state.Bans[key] = Ban{Username: key, By: by, At: rec.At}
	return nil
}

func (s *fileStore) Unban(ctx context.Context, username string) (bool, error) {
	_ = ctx
	key := UserKey(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Bans[key]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: opUnban, Key: key}); err != nil {
		return false, err
	}
	delete(s.state.Bans, key)
	return true, nil
}

func (s *fileStore) IsBanned(ctx context.Context, username string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.Bans[UserKey(username)]
	return ok, nil
}

func (s *fileStore) ListBans(ctx context.Context) ([]Ban, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Ban, 0, len(s.state.Bans))
	for _, b := range s.state.Bans {
		out = append(out, b)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// ---- persistence ----

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
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
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileState
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Aliases {
		st.Aliases[k] = v
	}
	for k, v := range snap.Bans {
		st.Bans[k] = v
	}
	return nil
}

func replayJournal(path string, st *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		switch r.Op {
		case opAliasPut:
			st.Aliases[r.Key] = r.Value
		case opAliasDel:
			delete(st.Aliases, r.Key)
		case opBan:
			st.Bans[r.Key] = Ban{Username: r.Key, By: r.Value, At: r.At}
		case opUnban:
			delete(st.Bans, r.Key)
		}
	}
	return sc.Err()
}
