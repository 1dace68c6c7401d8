package policy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *LearnedStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "learned.db")
	db, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := OpenLearnedStore(db)
	require.NoError(t, err)
	return s
}

func TestLearnedIdempotenceOnZeroSamples(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	before, err := s.Merge("fp1", now, Sample{})
	require.NoError(t, err)

	after, err := s.Merge("fp1", now, Sample{})
	require.NoError(t, err)

	require.Equal(t, before, after)
}

func TestLearnedUpdateEWMA(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	rec, err := s.Update("fp1", now, Sample{BCDDevice: 1, ChunkBytes: 1024, Success: true})
	require.NoError(t, err)
	require.Equal(t, int64(1024), rec.ChunkBytes)
	require.Equal(t, 1, rec.SampleCount)

	rec, err = s.Update("fp1", now.Add(time.Minute), Sample{BCDDevice: 1, ChunkBytes: 2048, Success: true})
	require.NoError(t, err)
	require.Equal(t, 2, rec.SampleCount)
	require.Greater(t, rec.ChunkBytes, int64(1024))
}

func TestLearnedInvalidatedByBCDChange(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	_, err := s.Update("fp1", now, Sample{BCDDevice: 1, ChunkBytes: 1024})
	require.NoError(t, err)

	rec, err := s.Get("fp1", 2)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestLearnedExpiresAfterInactivity(t *testing.T) {
	s := openTestStore(t)
	past := time.Now().Add(-40 * 24 * time.Hour)

	_, err := s.Update("fp1", past, Sample{BCDDevice: 1, ChunkBytes: 1024})
	require.NoError(t, err)

	rec, err := s.Get("fp1", 1)
	require.NoError(t, err)
	require.Nil(t, rec)
}
