// Package disk implements the raw page/file I/O layer.
//
// What: page-indexed reads and writes against OS files, plus a
// monotonically increasing page-number allocator per file.
// How: every file is opened once and tracked by name; page i of a file
// lives at byte offset i*PageSize.
// Why: everything above this layer (buffer pool, record manager, B+ tree)
// only ever deals with page numbers, never file offsets.
package disk

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// PageSize is the fixed page size used throughout the engine.
const PageSize = 4096

var (
	// ErrFileBusy is returned when opening a file that is already open.
	ErrFileBusy = errors.New("disk: file already open")
	// ErrShortIO is returned on a short read or write.
	ErrShortIO = errors.New("disk: short read or write")
	// ErrNotOpen is returned when operating on a file handle that isn't open.
	ErrNotOpen = errors.New("disk: file not open")
)

// FileID identifies an open file handle.
type FileID int

// Manager owns the set of open files for a data directory and allocates
// page numbers within each file.
type Manager struct {
	mu     sync.Mutex
	dir    string
	byName map[string]FileID
	byID   map[FileID]*fileEntry
	nextID FileID
}

type fileEntry struct {
	name     string
	f        *os.File
	mu       sync.Mutex // guards nextPage, serializes allocate_page
	nextPage int64
}

// NewManager creates a disk manager rooted at dir. dir must already exist.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:    dir,
		byName: make(map[string]FileID),
		byID:   make(map[FileID]*fileEntry),
	}
}

// OpenFile opens (creating if necessary) a page file by logical name,
// returning a handle used by ReadPage/WritePage/AllocatePage.
func (m *Manager) OpenFile(name string) (FileID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[name]; ok {
		return 0, fmt.Errorf("%s: %w", name, ErrFileBusy)
	}

	path := m.path(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	id := m.nextID
	m.nextID++
	m.byName[name] = id
	m.byID[id] = &fileEntry{
		name:     name,
		f:        f,
		nextPage: info.Size() / PageSize,
	}
	log.Printf("disk: opened %s (%d pages)", name, info.Size()/PageSize)
	return id, nil
}

// CloseFile closes an open file handle, making the logical name available
// again for a future OpenFile.
func (m *Manager) CloseFile(id FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fe, ok := m.byID[id]
	if !ok {
		return ErrNotOpen
	}
	if err := fe.f.Close(); err != nil {
		return err
	}
	delete(m.byID, id)
	delete(m.byName, fe.name)
	log.Printf("disk: closed %s", fe.name)
	return nil
}

// DestroyFile removes a file from disk by logical name. It fails if the
// file is currently open.
func (m *Manager) DestroyFile(name string) error {
	m.mu.Lock()
	if _, open := m.byName[name]; open {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrFileBusy)
	}
	m.mu.Unlock()
	if err := os.Remove(m.path(name)); err != nil {
		return err
	}
	log.Printf("disk: destroyed %s", name)
	return nil
}

func (m *Manager) path(name string) string {
	return m.dir + string(os.PathSeparator) + name
}

func (m *Manager) entry(id FileID) (*fileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.byID[id]
	if !ok {
		return nil, ErrNotOpen
	}
	return fe, nil
}

// ReadPage reads exactly PageSize bytes at page pageNo into buf.
func (m *Manager) ReadPage(id FileID, pageNo int64, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("disk: read buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	fe, err := m.entry(id)
	if err != nil {
		return err
	}
	n, err := fe.f.ReadAt(buf, pageNo*PageSize)
	if err != nil {
		return fmt.Errorf("read page %d of %s: %w", pageNo, fe.name, err)
	}
	if n != PageSize {
		return fmt.Errorf("read page %d of %s: %w", pageNo, fe.name, ErrShortIO)
	}
	return nil
}

// WritePage writes exactly PageSize bytes from buf at page pageNo.
func (m *Manager) WritePage(id FileID, pageNo int64, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("disk: write buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	fe, err := m.entry(id)
	if err != nil {
		return err
	}
	n, err := fe.f.WriteAt(buf, pageNo*PageSize)
	if err != nil {
		return fmt.Errorf("write page %d of %s: %w", pageNo, fe.name, err)
	}
	if n != PageSize {
		return fmt.Errorf("write page %d of %s: %w", pageNo, fe.name, ErrShortIO)
	}
	return nil
}

// WritePagesBulk writes k contiguous pages starting at startPageNo from a
// single buffer of k*PageSize bytes. Used by the bulk CSV loader, which
// writes whole bursts of pages directly rather than one at a time.
func (m *Manager) WritePagesBulk(id FileID, startPageNo int64, buf []byte, k int) error {
	if len(buf) != k*PageSize {
		return fmt.Errorf("disk: bulk buffer must be %d bytes for %d pages, got %d", k*PageSize, k, len(buf))
	}
	fe, err := m.entry(id)
	if err != nil {
		return err
	}
	n, err := fe.f.WriteAt(buf, startPageNo*PageSize)
	if err != nil {
		return fmt.Errorf("bulk write at page %d of %s: %w", startPageNo, fe.name, err)
	}
	if n != len(buf) {
		return fmt.Errorf("bulk write at page %d of %s: %w", startPageNo, fe.name, ErrShortIO)
	}
	return nil
}

// OpenLogFile opens (creating if necessary) an append-only log file in
// the data directory, kept outside the page-file table. The checkpoint
// scheduler appends its per-run log lines through it.
func (m *Manager) OpenLogFile(name string) (*os.File, error) {
	f, err := os.OpenFile(m.path(name), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", name, err)
	}
	return f, nil
}

// AllocatePage returns the next page number for the file and atomically
// increments the counter. Thread-safe across concurrent callers of the
// same file.
func (m *Manager) AllocatePage(id FileID) (int64, error) {
	fe, err := m.entry(id)
	if err != nil {
		return 0, err
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	pn := fe.nextPage
	fe.nextPage++
	return pn, nil
}

// NumPages reports the number of pages currently allocated to a file.
func (m *Manager) NumPages(id FileID) (int64, error) {
	fe, err := m.entry(id)
	if err != nil {
		return 0, err
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.nextPage, nil
}

// FileName returns the logical name a handle was opened with.
func (m *Manager) FileName(id FileID) (string, error) {
	fe, err := m.entry(id)
	if err != nil {
		return "", err
	}
	return fe.name, nil
}

// Size reports the current on-disk byte size of a file, for the
// checkpoint scheduler's log line.
func (m *Manager) Size(id FileID) (int64, error) {
	fe, err := m.entry(id)
	if err != nil {
		return 0, err
	}
	info, err := fe.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", fe.name, err)
	}
	return info.Size(), nil
}
