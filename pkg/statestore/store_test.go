package statestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestStore_LoadMissing(t *testing.T) {
	s := New(t.TempDir(), Options{})
	rec, err := s.Load("hypothesis", "conv-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_SaveReplacesStateMergesArtifacts(t *testing.T) {
	s := New(t.TempDir(), Options{})
	ctx := context.Background()

	rec, err := s.Save(ctx, "hypothesis", "conv-1",
		map[string]any{"last_stage": "analysis", "a": 1},
		map[string]any{"analysis.trace": "t1", "analysis.result": "r1"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)

	rec, err = s.Save(ctx, "hypothesis", "conv-1",
		map[string]any{"last_stage": "experiment_plan"},
		map[string]any{"analysis.trace": "t2", "experiment_plan.trace": "p1"})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)

	loaded, err := s.Load("hypothesis", "conv-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, map[string]any{"last_stage": "experiment_plan"}, loaded.State)
	assert.Equal(t, "t2", loaded.Artifacts["analysis.trace"])
	assert.Equal(t, "r1", loaded.Artifacts["analysis.result"])
	assert.Equal(t, "p1", loaded.Artifacts["experiment_plan.trace"])
	assert.Equal(t, "hypothesis", loaded.Namespace)
	assert.Equal(t, "conv-1", loaded.ConversationKey)
}

func TestStore_SaveArtifactsKeepsState(t *testing.T) {
	s := New(t.TempDir(), Options{})
	ctx := context.Background()

	_, err := s.Save(ctx, "ns", "k", map[string]any{"keep": true}, nil)
	require.NoError(t, err)
	_, err = s.SaveArtifacts(ctx, "ns", "k", map[string]any{"stage.trace": []any{"x"}})
	require.NoError(t, err)

	rec, err := s.Load("ns", "k")
	require.NoError(t, err)
	assert.Equal(t, true, rec.State["keep"])
	assert.Contains(t, rec.Artifacts, "stage.trace")
	assert.Equal(t, 2, rec.Version)
}

func TestStore_PathLayout(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, Options{})

	p := s.Path("Hypothesis Gate", "User/Conversation: 42")
	rel, err := filepath.Rel(dir, p)
	require.NoError(t, err)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	require.Len(t, parts, 2)
	assert.Equal(t, "hypothesis-gate", parts[0])
	assert.True(t, strings.HasPrefix(parts[1], "user-conversation-42-"), parts[1])
	assert.True(t, strings.HasSuffix(parts[1], ".json"))

	// Keys that slugify identically still map to distinct files.
	assert.NotEqual(t, s.Path("ns", "a b"), s.Path("ns", "a-b"))
	assert.Contains(t, s.Path("ns", "!!!"), "conversation-")
}

func TestShortHash(t *testing.T) {
	sum := blake3.Sum256([]byte("ns\x00conv"))
	assert.Equal(t, fmt.Sprintf("%x", sum[:4]), shortHash("ns\x00conv"))
	assert.Len(t, shortHash("anything"), 8)
	assert.NotEqual(t, shortHash("a"), shortHash("b"))
}

func TestStore_CorruptRecord(t *testing.T) {
	s := New(t.TempDir(), Options{})
	path := s.Path("ns", "k")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := s.Load("ns", "k")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageCorrupt))

	// A save replaces the corrupt record.
	_, err = s.Save(context.Background(), "ns", "k", map[string]any{"ok": 1}, nil)
	require.NoError(t, err)
	rec, err := s.Load("ns", "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.State["ok"])
}

func TestStore_NoTempFilesLeft(t *testing.T) {
	s := New(t.TempDir(), Options{})
	_, err := s.Save(context.Background(), "ns", "k", map[string]any{"x": 1}, nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(s.Path("ns", "k")))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
		assert.False(t, strings.HasSuffix(e.Name(), ".lock"), e.Name())
	}
}

func TestStore_LockTimeout(t *testing.T) {
	s := New(t.TempDir(), Options{LockTimeout: 60 * time.Millisecond, StaleLockAge: time.Hour})
	path := s.Path("ns", "k")
	require.NoError(t, os.MkdirAll(path+".lock", 0o755))

	start := time.Now()
	_, err := s.Save(context.Background(), "ns", "k", map[string]any{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageLock))
	assert.True(t, errors.IsRetryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestStore_StaleLockTakeover(t *testing.T) {
	s := New(t.TempDir(), Options{LockTimeout: time.Second, StaleLockAge: time.Minute})
	path := s.Path("ns", "k")
	lockDir := path + ".lock"
	require.NoError(t, os.MkdirAll(lockDir, 0o755))
	owner := filepath.Join(lockDir, "owner.json")
	require.NoError(t, os.WriteFile(owner, []byte(`{"pid":1}`), 0o644))
	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(owner, old, old))

	_, err := s.Save(context.Background(), "ns", "k", map[string]any{"took": "over"}, nil)
	require.NoError(t, err)
	_, statErr := os.Stat(lockDir)
	assert.True(t, os.IsNotExist(statErr), "lock released after save")
}

func TestStore_LockRespectsContext(t *testing.T) {
	s := New(t.TempDir(), Options{LockTimeout: time.Minute, StaleLockAge: time.Hour})
	require.NoError(t, os.MkdirAll(s.Path("ns", "k")+".lock", 0o755))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Save(ctx, "ns", "k", map[string]any{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_ConcurrentArtifactMerge(t *testing.T) {
	s := New(t.TempDir(), Options{LockTimeout: 5 * time.Second})
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			_, err := s.SaveArtifacts(ctx, "ns", "k", map[string]any{key: i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := s.Load("ns", "k")
	require.NoError(t, err)
	assert.Len(t, rec.Artifacts, writers)
	assert.Equal(t, writers, rec.Version)
}

func TestMergeArtifacts_NilDeletes(t *testing.T) {
	out := MergeArtifacts(map[string]any{"a": 1, "b": 2}, map[string]any{"a": nil, "c": 3})
	assert.Equal(t, map[string]any{"b": 2, "c": 3}, out)
}
