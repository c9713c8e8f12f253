// Package statestore persists per-(namespace, conversation) stage state as
// JSON records. Writes are atomic and exclusive across processes.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/logging"
)

const (
	defaultLockTimeout  = 5 * time.Second
	defaultStaleLockAge = 2 * time.Minute
	lockPollInterval    = 25 * time.Millisecond
	maxSlugLength       = 48
)

// Record is the persisted state for one (namespace, conversation) pair.
type Record struct {
	Namespace       string         `json:"namespace"`
	ConversationKey string         `json:"conversation_key"`
	Version         int            `json:"version"`
	UpdatedAt       time.Time      `json:"updated_at"`
	State           map[string]any `json:"state"`
	Artifacts       map[string]any `json:"artifacts,omitempty"`
}

// Options configures a Store.
type Options struct {
	LockTimeout  time.Duration
	StaleLockAge time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Store manages state record persistence
type Store struct {
	baseDir      string
	lockTimeout  time.Duration
	staleLockAge time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// New creates a store rooted at baseDir.
func New(baseDir string, opts Options) *Store {
	s := &Store{
		baseDir:      baseDir,
		lockTimeout:  opts.LockTimeout,
		staleLockAge: opts.StaleLockAge,
		now:          opts.Now,
		logger:       logging.OrDiscard(opts.Logger, logging.CategoryState),
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = defaultLockTimeout
	}
	if s.staleLockAge <= 0 {
		s.staleLockAge = defaultStaleLockAge
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// BaseDir returns the root directory of the store.
func (s *Store) BaseDir() string {
	return s.baseDir
}

var slugSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s, fallback string) string {
	slug := slugSanitizer.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return fallback
	}
	return slug
}

func shortHash(s string) string {
	h := blake3.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}

// Path returns the record file for a namespace and conversation key.
func (s *Store) Path(namespace, conversationKey string) string {
	ns := slugify(namespace, "default")
	name := fmt.Sprintf("%s-%s.json", slugify(conversationKey, "conversation"), shortHash(namespace+"\x00"+conversationKey))
	return filepath.Join(s.baseDir, ns, name)
}

// Load reads the record for a key pair. A missing record returns nil, nil.
func (s *Store) Load(namespace, conversationKey string) (*Record, error) {
	path := s.Path(namespace, conversationKey)
	rec, err := readRecord(path)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read state record").
			WithContext("path", path)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageCorrupt, "failed to parse state record").
			WithContext("path", path)
	}
	return &rec, nil
}

// Save replaces the record's state and merges artifacts key-wise over the
// previously stored artifacts.
func (s *Store) Save(ctx context.Context, namespace, conversationKey string, state, artifacts map[string]any) (*Record, error) {
	return s.Update(ctx, namespace, conversationKey, func(rec *Record) error {
		rec.State = cloneMap(state)
		rec.Artifacts = MergeArtifacts(rec.Artifacts, artifacts)
		return nil
	})
}

// SaveArtifacts merges artifacts without touching state.
func (s *Store) SaveArtifacts(ctx context.Context, namespace, conversationKey string, artifacts map[string]any) (*Record, error) {
	return s.Update(ctx, namespace, conversationKey, func(rec *Record) error {
		rec.Artifacts = MergeArtifacts(rec.Artifacts, artifacts)
		return nil
	})
}

// Update performs a locked read-modify-write of one record. A corrupt
// existing record is replaced rather than blocking all future writes.
func (s *Store) Update(ctx context.Context, namespace, conversationKey string, fn func(*Record) error) (*Record, error) {
	path := s.Path(namespace, conversationKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create state directory").
			WithContext("path", path)
	}

	lock, err := s.acquire(ctx, path+".lock")
	if err != nil {
		return nil, err
	}
	defer lock.release()

	rec, err := readRecord(path)
	if err != nil {
		if !errors.IsCode(err, errors.ErrCodeStorageCorrupt) {
			return nil, err
		}
		s.logger.Warn("replacing corrupt state record", "path", path, "error", err)
		rec = nil
	}
	if rec == nil {
		rec = &Record{}
	}
	rec.Namespace = namespace
	rec.ConversationKey = conversationKey
	if rec.State == nil {
		rec.State = map[string]any{}
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.Version++
	rec.UpdatedAt = s.now().UTC()

	if err := writeJSONAtomic(path, rec); err != nil {
		return nil, err
	}
	s.logger.Debug("state saved", "namespace", namespace, "path", path, "version", rec.Version)
	return rec, nil
}

// MergeArtifacts overlays next onto prev. Nil values in next delete keys.
// Update callbacks use it to merge artifacts the way Save does.
func MergeArtifacts(prev, next map[string]any) map[string]any {
	if len(prev) == 0 && len(next) == 0 {
		return prev
	}
	out := make(map[string]any, len(prev)+len(next))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range next {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to marshal state record")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create temp file").WithContext("path", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to write temp file").WithContext("path", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to sync temp file").WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to close temp file").WithContext("path", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to rename temp file").WithContext("path", path)
	}
	return nil
}
