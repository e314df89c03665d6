package hashstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexusio/nexus/util"
)

const readableTimestampFormat = "2006-01-02 15:04:05"

// ErrNotFound is returned when the file to hash does not exist
var ErrNotFound = errors.New("file not found")

var (
	backslashRun = regexp.MustCompile(`\\{2,}`)
	slashRun     = regexp.MustCompile(`/{2,}`)

	// drive letter or rooted paths of either platform
	rootedPath = regexp.MustCompile(`^([A-Za-z]:)?[\\/]`)
)

// Record is the persisted value stored for a single path
type Record struct {
	FileHash          string `json:"file_hash"`
	Timestamp         int64  `json:"timestamp"`
	ReadableTimestamp string `json:"readable_timestamp"`
}

// Store persists path to content hash records in a single JSON document.
// Every mutation rewrites the whole document.
type Store struct {
	mu       sync.Mutex
	filePath string
	log      *log.Entry

	// now is replaced in tests
	now func() time.Time
}

// New creates a store backed by filePath, creating its directory if needed
func New(filePath string, logger *log.Entry) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return nil, fmt.Errorf("create hash store dir: %w", err)
	}

	return &Store{
		filePath: filePath,
		log:      logger.WithField("store", filepath.Base(filePath)),
		now:      time.Now,
	}, nil
}

// Path returns the backing document path
func (s *Store) Path() string {
	return s.filePath
}

// ComputeHash returns the hex encoded SHA-256 of the file content
func ComputeHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizePath collapses repeated path separators and makes relative paths absolute
func NormalizePath(path string) string {
	path = backslashRun.ReplaceAllString(path, `\`)
	path = slashRun.ReplaceAllString(path, "/")
	if filepath.IsAbs(path) || rootedPath.MatchString(path) {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// StoreHash records hash for path
func (s *Store) StoreHash(path, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.storeHash(path, hash)
}

// GetStoredHash returns the hash recorded for path
func (s *Store) GetStoredHash(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.storedHash(path)
}

// HasChanged reports whether currentHash differs from the recorded hash of path
func (s *Store) HasChanged(path, currentHash string) bool {
	stored, ok := s.GetStoredHash(path)
	return !ok || stored != currentHash
}

// IsFileUnchanged reports whether the file on disk still matches its recorded hash.
// Missing files and missing records count as changed.
func (s *Store) IsFileUnchanged(path string) bool {
	current, err := ComputeHash(path)
	if err != nil {
		s.log.Debugf("hash %s: %v", path, err)
		return false
	}

	stored, ok := s.GetStoredHash(path)
	return ok && stored == current
}

// CheckAndUpdate compares the installed file at oldPath with the candidate at newPath.
// Records are keyed by oldPath and hold the hash of the candidate last approved to occupy it.
// It returns true when the candidate should be applied.
func (s *Store) CheckAndUpdate(oldPath, newPath string) (bool, error) {
	oldHash, err := ComputeHash(oldPath)
	if err != nil {
		return false, fmt.Errorf("hash installed file: %w", err)
	}

	newHash, err := ComputeHash(newPath)
	if err != nil {
		return false, fmt.Errorf("hash candidate file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.storedHash(oldPath)

	if oldHash == newHash {
		if !ok {
			if err := s.storeHash(oldPath, newHash); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if !ok {
		s.log.Infof("no record for %s, accepting candidate", oldPath)
		return true, s.storeHash(oldPath, newHash)
	}

	if stored == newHash {
		if oldHash == stored {
			return false, nil
		}
		// the candidate was approved before but the installed file does not match it
		s.log.Infof("%s diverges from its approved content", oldPath)
		return true, nil
	}

	return true, s.storeHash(oldPath, newHash)
}

// Reset replaces the document with an empty one
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeDocument(map[string]Record{})
}

func (s *Store) storeHash(path, hash string) error {
	doc, err := s.loadDocument()
	if err != nil {
		s.log.Warnf("resetting hash document: %v", err)
		doc = map[string]Record{}
	}

	now := s.now()
	doc[NormalizePath(path)] = Record{
		FileHash:          hash,
		Timestamp:         now.Unix(),
		ReadableTimestamp: now.Format(readableTimestampFormat),
	}

	if err := s.writeDocument(doc); err != nil {
		return fmt.Errorf("store hash for %s: %w", path, err)
	}
	return nil
}

func (s *Store) storedHash(path string) (string, bool) {
	doc, err := s.loadDocument()
	if err != nil {
		s.log.Warnf("resetting hash document: %v", err)
		if err := s.writeDocument(map[string]Record{}); err != nil {
			s.log.Errorf("failed to reset hash document: %v", err)
		}
		return "", false
	}

	rec, ok := doc[NormalizePath(path)]
	if !ok || rec.FileHash == "" {
		return "", false
	}
	return rec.FileHash, true
}

// loadDocument returns an error for missing or unparsable documents
func (s *Store) loadDocument() (map[string]Record, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, fmt.Errorf("read hash document: %w", err)
	}

	var doc map[string]Record
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal hash document: %w", err)
	}
	if doc == nil {
		return nil, errors.New("hash document is not an object")
	}
	return doc, nil
}

func (s *Store) writeDocument(doc map[string]Record) error {
	return util.WriteJson(context.Background(), s.filePath, doc)
}
