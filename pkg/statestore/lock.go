package statestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/odvcencio/hypogate/pkg/errors"
)

// lockOwner is written inside the lock directory for diagnostics.
type lockOwner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type dirLock struct {
	dir string
}

func (l *dirLock) release() {
	_ = os.RemoveAll(l.dir)
}

// acquire creates dir exclusively, polling until the lock timeout. A lock
// older than the stale age is taken over.
func (s *Store) acquire(ctx context.Context, dir string) (*dirLock, error) {
	deadline := time.Now().Add(s.lockTimeout)
	for {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			s.writeOwner(dir)
			return &dirLock{dir: dir}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, errors.ErrCodeStorageLock, "failed to create lock").WithContext("lock", dir)
		}

		if s.isStale(dir) {
			s.logger.Warn("taking over stale state lock", "lock", dir)
			_ = os.RemoveAll(dir)
			continue
		}

		if !time.Now().Before(deadline) {
			return nil, errors.New(errors.ErrCodeStorageLock, "timed out acquiring state lock").
				WithContext("lock", dir).
				WithContext("timeout", s.lockTimeout.String()).
				WithRetryable(true)
		}

		timer := time.NewTimer(lockPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Store) writeOwner(dir string) {
	host, _ := os.Hostname()
	data, err := json.Marshal(lockOwner{PID: os.Getpid(), Host: host, AcquiredAt: s.now().UTC()})
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "owner.json"), data, 0o644)
}

// isStale reports whether the lock's owner file (or the directory itself,
// when the owner never got written) is older than the stale age.
func (s *Store) isStale(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "owner.json"))
	if err != nil {
		info, err = os.Stat(dir)
		if err != nil {
			return false
		}
	}
	return s.now().Sub(info.ModTime()) > s.staleLockAge
}
