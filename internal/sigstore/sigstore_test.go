package sigstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save("sig-1", "proj-a", "antigravity", "https://one.example.com", 2))

	record, ok, err := s.Get("sig-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "proj-a", record.ProjectID)
	assert.Equal(t, "antigravity", record.Provider)
	assert.Equal(t, 2, record.Account)
	// The raw signature never lands in the table.
	assert.NotEqual(t, "sig-1", record.Hash)
	assert.Len(t, record.Hash, 64)
}

func TestGetUnknownSignature(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get("never-saved")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveEmptySignatureIsNoop(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("", "proj", "p", "e", 0))
	_, ok, err := s.Get("")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveRefreshesExistingRecord(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("sig", "proj-a", "p", "e", 0))
	require.NoError(t, s.Save("sig", "proj-b", "p", "e", 1))

	record, ok, err := s.Get("sig")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "proj-b", record.ProjectID)
	assert.Equal(t, 1, record.Account)
}

func TestIsValidForProject(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("sig", "proj-a", "p", "e", 0))

	ok, err := s.IsValidForProject("sig", "proj-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsValidForProject("sig", "proj-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.IsValidForProject("unknown", "proj-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredRecordsReadAsAbsent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("sig", "proj", "p", "e", 0))

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	require.NoError(t, s.db.Model(&SignatureRecord{}).
		Where("hash = ?", hashSignature("sig")).
		Update("created_at", old).Error)

	_, ok, err := s.Get("sig")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetTouchesLastUsed(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("sig", "proj", "p", "e", 0))

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.db.Model(&SignatureRecord{}).
		Where("hash = ?", hashSignature("sig")).
		Update("last_used_at", stale).Error)

	record, ok, err := s.Get("sig")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC(), record.LastUsedAt, time.Minute)
}
