package projectstatus

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// HashRecord is the cached digest of one local file.
type HashRecord struct {
	ID          uint      `gorm:"primarykey"`
	Path        string    `gorm:"uniqueIndex;not null"`
	Sha256      string    `gorm:"not null"`
	Fingerprint string    `gorm:"not null"` // xxhash of the content
	Size        int64     `gorm:"not null"`
	ModTime     int64     `gorm:"not null"` // unix nanoseconds
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HashCache remembers the sha256 of local files between runs so unchanged
// files are not rehashed. Size and modification time gate the lookup; a
// touched file with identical content is recognised by its xxhash.
type HashCache struct {
	db *gorm.DB
}

// CacheFile is the cache location relative to the project root.
const CacheFile = ".sync_temp/hashes.db"

// OpenHashCache opens or creates the cache database at dbPath.
func OpenHashCache(dbPath string) (*HashCache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %v", err)
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}
	if err := db.AutoMigrate(&HashRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %v", err)
	}
	return &HashCache{db: db}, nil
}

// Sum returns the hex sha256 of the file at fullPath, keyed in the cache by
// relPath.
func (hc *HashCache) Sum(relPath, fullPath string, info os.FileInfo) (string, error) {
	var rec HashRecord
	err := hc.db.Where("path = ?", relPath).First(&rec).Error
	found := err == nil
	if found && rec.Size == info.Size() && rec.ModTime == info.ModTime().UnixNano() {
		return rec.Sha256, nil
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}
	fp := fmt.Sprintf("%x", xxhash.Sum64(content))
	sum := rec.Sha256
	if !found || rec.Fingerprint != fp {
		sum = HashBytes(content)
	}

	next := HashRecord{
		Path:        relPath,
		Sha256:      sum,
		Fingerprint: fp,
		Size:        info.Size(),
		ModTime:     info.ModTime().UnixNano(),
	}
	if err := hc.db.Where("path = ?", relPath).Assign(next).FirstOrCreate(&HashRecord{}).Error; err != nil {
		return "", fmt.Errorf("failed to update hash cache: %v", err)
	}
	return sum, nil
}

// Forget drops a path, used when a file disappears locally.
func (hc *HashCache) Forget(relPath string) error {
	return hc.db.Unscoped().Where("path = ?", relPath).Delete(&HashRecord{}).Error
}

// Reset clears every cached digest and returns how many were removed.
func (hc *HashCache) Reset() (int64, error) {
	result := hc.db.Unscoped().Delete(&HashRecord{}, "1 = 1")
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset cache: %v", result.Error)
	}
	return result.RowsAffected, nil
}

// Count returns the number of cached files.
func (hc *HashCache) Count() (int64, error) {
	var n int64
	err := hc.db.Model(&HashRecord{}).Count(&n).Error
	return n, err
}

func (hc *HashCache) Close() error {
	sqlDB, err := hc.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
