package shifttable

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"shiftbeep/internal/utils"
)

// StoreInfo describes the currently active table for status reporting
type StoreInfo struct {
	Path     string    `json:"path"`
	Version  int64     `json:"version"`
	Checksum string    `json:"checksum"`
	Cars     int       `json:"cars"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Store owns the active shift table and its backing file. Readers get
// an immutable Table pointer; reloads and replacements swap the pointer
// only after the new document validated, so a bad document never
// disturbs the active table.
type Store struct {
	mu       sync.RWMutex
	path     string
	table    *Table
	raw      []byte
	version  int64
	checksum string
	loadedAt time.Time
}

// NewStore creates a store for the table document at path. No table is
// active until Load succeeds.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the backing file and activates it. Used at startup and by
// reload commands; the previous table stays active if loading fails.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read shift table: %v", err)
	}

	table, err := Parse(data)
	if err != nil {
		return err
	}

	s.activate(table, data)
	log.Printf("[shifttable] loaded %s: %d cars, version %d", s.path, table.CarCount(), s.Version())
	return nil
}

// Replace validates data, writes it to the backing file and activates
// it. The previous file is kept as a .backup next to it.
func (s *Store) Replace(data []byte) error {
	table, err := Parse(data)
	if err != nil {
		return err
	}

	if err := s.writeFile(data); err != nil {
		return err
	}

	s.activate(table, data)
	log.Printf("[shifttable] replaced %s: %d cars, version %d", s.path, table.CarCount(), s.Version())
	return nil
}

// Current returns the active table, or nil if none loaded yet
func (s *Store) Current() *Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// Raw returns a copy of the active table document
func (s *Store) Raw() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.raw == nil {
		return nil
	}
	out := make([]byte, len(s.raw))
	copy(out, s.raw)
	return out
}

// Version returns the activation counter. It increments on every
// successful Load or Replace.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Checksum returns the sha256 of the active document
func (s *Store) Checksum() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checksum
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Info returns a snapshot of the active table metadata
func (s *Store) Info() StoreInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreInfo{
		Path:     s.path,
		Version:  s.version,
		Checksum: s.checksum,
		Cars:     s.table.CarCount(),
		LoadedAt: s.loadedAt,
	}
}

func (s *Store) activate(table *Table, raw []byte) {
	sum := checksumOf(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = table
	s.raw = raw
	s.version++
	s.checksum = sum
	s.loadedAt = time.Now()
}

// writeFile writes data to the backing file via a temp file and rename,
// keeping the previous document as a .backup
func (s *Store) writeFile(data []byte) error {
	if _, err := os.Stat(s.path); err == nil {
		backupPath := s.path + ".backup"
		if err := copyFile(s.path, backupPath); err != nil {
			log.Printf("Warning: failed to create shift table backup: %v", err)
		}
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write shift table: %v", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("failed to replace shift table: %v", err)
	}
	return nil
}

func checksumOf(data []byte) string {
	h, err := utils.CreateHash("sha256")
	if err != nil {
		return ""
	}
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}
