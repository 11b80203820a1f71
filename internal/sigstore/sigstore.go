// Package sigstore persists thought-signature provenance in SQLite using
// GORM. The Antigravity thinking path uses it to decide whether a
// signature carried in a request was issued under the current project; if
// not, the request is re-keyed to its original project or the signature
// is stripped.
package sigstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// recordTTL is how long a signature record stays valid.
	recordTTL = 7 * 24 * time.Hour
	// maxRecords caps the table; the least recently used records are
	// evicted past it.
	maxRecords = 1000
)

// SignatureRecord is one persisted signature. Hash is the SHA-256 of the
// signature string; the raw signature is never stored.
type SignatureRecord struct {
	Hash       string    `gorm:"primaryKey;size:64"`
	ProjectID  string    `gorm:"index"`
	Provider   string
	Endpoint   string
	Account    int
	CreatedAt  time.Time
	LastUsedAt time.Time `gorm:"index"`
}

// Store is the signature table.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open creates or loads the store at dir/signatures.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create signature store directory: %w", err)
	}
	dsn := filepath.Join(dir, "signatures.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open signature database: %w", err)
	}
	if err := db.AutoMigrate(&SignatureRecord{}); err != nil {
		return nil, fmt.Errorf("migrate signature database: %w", err)
	}
	return &Store{db: db}, nil
}

// hashSignature keys a signature without retaining it.
func hashSignature(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}

// Save records where a signature was issued. Existing records are
// refreshed in place.
func (s *Store) Save(signature, projectID, provider, endpoint string, account int) error {
	if signature == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	record := SignatureRecord{
		Hash:       hashSignature(signature),
		ProjectID:  projectID,
		Provider:   provider,
		Endpoint:   endpoint,
		Account:    account,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := s.db.Save(&record).Error; err != nil {
		return err
	}
	return s.evictLocked(now)
}

// Get returns the record for a signature, touching LastUsedAt. Expired
// records read as absent.
func (s *Store) Get(signature string) (*SignatureRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record SignatureRecord
	err := s.db.First(&record, "hash = ?", hashSignature(signature)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	if now.Sub(record.CreatedAt) > recordTTL {
		s.db.Delete(&record)
		return nil, false, nil
	}
	record.LastUsedAt = now
	if err := s.db.Model(&record).Update("last_used_at", now).Error; err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

// IsValidForProject reports whether the signature was issued under
// targetProjectID. Unknown signatures are not valid.
func (s *Store) IsValidForProject(signature, targetProjectID string) (bool, error) {
	record, ok, err := s.Get(signature)
	if err != nil || !ok {
		return false, err
	}
	return record.ProjectID == targetProjectID, nil
}

// evictLocked removes expired records and trims to capacity, oldest
// LastUsedAt first.
func (s *Store) evictLocked(now time.Time) error {
	cutoff := now.Add(-recordTTL)
	if err := s.db.Where("created_at < ?", cutoff).Delete(&SignatureRecord{}).Error; err != nil {
		return err
	}
	var count int64
	if err := s.db.Model(&SignatureRecord{}).Count(&count).Error; err != nil {
		return err
	}
	if count <= maxRecords {
		return nil
	}
	var victims []SignatureRecord
	if err := s.db.Order("last_used_at asc").Limit(int(count - maxRecords)).Find(&victims).Error; err != nil {
		return err
	}
	for _, v := range victims {
		if err := s.db.Delete(&v).Error; err != nil {
			return err
		}
	}
	return nil
}
