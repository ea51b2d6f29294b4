// Package buffer implements the page cache sitting on top of disk.Manager:
// a fixed frame array, a page table, a free list, and an LRU replacer over
// unpinned frames.
//
// What: fetch/unpin/new_page/flush_page/flush_all/delete_all over cached
// pages, backed by disk.Manager for misses and eviction writeback.
// How: one mutex guards the page table, free list, and replacer; frames
// are plain byte buffers rebound in place rather than reallocated.
package buffer

import (
	"fmt"
	"sync"

	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
)

// DefaultFrames is the default pool size in frames (≈320 MiB at 4 KiB pages).
const DefaultFrames = 81920

// PageID identifies a cached page by its owning file and page number.
type PageID struct {
	File disk.FileID
	Page int64
}

// Frame is one slot of the fixed frame array.
type Frame struct {
	data     [disk.PageSize]byte
	pageID   PageID
	valid    bool
	pinCount int
	dirty    bool
}

// Data returns the frame's backing buffer for in-place reads/writes.
func (f *Frame) Data() []byte { return f.data[:] }

// PageID returns the page currently mapped to this frame.
func (f *Frame) PageID() PageID { return f.pageID }

// Pool is the fixed-size buffer pool.
type Pool struct {
	disk *disk.Manager

	mu       sync.Mutex
	frames   []Frame
	pageTbl  map[PageID]int // PageID -> frame index
	freeList []int
	replacer *lruReplacer

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewPool creates a buffer pool of the given size backed by disk manager d.
func NewPool(d *disk.Manager, numFrames int) *Pool {
	if numFrames <= 0 {
		numFrames = DefaultFrames
	}
	p := &Pool{
		disk:     d,
		frames:   make([]Frame, numFrames),
		pageTbl:  make(map[PageID]int, numFrames),
		replacer: newLRUReplacer(),
	}
	p.freeList = make([]int, numFrames)
	for i := range p.freeList {
		p.freeList[i] = i
	}
	return p
}

// Stats reports hit/miss/eviction counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Hits: p.hits, Misses: p.misses, Evictions: p.evictions}
}

// Fetch pins and returns the frame for pageID, reading it from disk on a
// cache miss. The caller must Unpin exactly once per Fetch/NewPage.
func (p *Pool) Fetch(pageID PageID) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.pageTbl[pageID]; ok {
		f := &p.frames[idx]
		if f.pinCount == 0 {
			p.replacer.remove(idx)
		}
		f.pinCount++
		p.hits++
		return f, nil
	}

	p.misses++
	idx, err := p.victim()
	if err != nil {
		return nil, err
	}
	f := &p.frames[idx]
	if err := p.evictInto(idx, f); err != nil {
		return nil, err
	}

	if err := p.disk.ReadPage(pageID.File, pageID.Page, f.data[:]); err != nil {
		p.freeList = append(p.freeList, idx)
		return nil, fmt.Errorf("buffer: fetch %+v: %w", pageID, err)
	}

	f.pageID = pageID
	f.valid = true
	f.dirty = false
	f.pinCount = 1
	p.pageTbl[pageID] = idx
	return f, nil
}

// NewPage allocates a fresh page via the disk manager, binds it to a
// frame, zeroes it, and pins it.
func (p *Pool) NewPage(fileID disk.FileID) (PageID, *Frame, error) {
	pageNo, err := p.disk.AllocatePage(fileID)
	if err != nil {
		return PageID{}, nil, err
	}
	pageID := PageID{File: fileID, Page: pageNo}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.victim()
	if err != nil {
		return PageID{}, nil, err
	}
	f := &p.frames[idx]
	if err := p.evictInto(idx, f); err != nil {
		return PageID{}, nil, err
	}

	for i := range f.data {
		f.data[i] = 0
	}
	f.pageID = pageID
	f.valid = true
	f.dirty = false
	f.pinCount = 1
	p.pageTbl[pageID] = idx
	return pageID, f, nil
}

// Unpin decrements the pin count for pageID and OR-merges the dirty bit.
// Once the pin count reaches zero the frame is re-admitted to the
// replacer.
func (p *Pool) Unpin(pageID PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTbl[pageID]
	if !ok {
		return fmt.Errorf("%w: unpin of unmapped page %+v", dberrors.ErrInternal, pageID)
	}
	f := &p.frames[idx]
	if f.pinCount <= 0 {
		return fmt.Errorf("%w: pin count underflow on page %+v", dberrors.ErrInternal, pageID)
	}
	if dirty {
		f.dirty = true
	}
	f.pinCount--
	if f.pinCount == 0 {
		p.replacer.push(idx)
	}
	return nil
}

// FlushPage writes the frame for pageID back to disk unconditionally
// (whether dirty or not) and clears the dirty bit.
func (p *Pool) FlushPage(pageID PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTbl[pageID]
	if !ok {
		return nil
	}
	f := &p.frames[idx]
	if err := p.disk.WritePage(pageID.File, pageID.Page, f.data[:]); err != nil {
		return fmt.Errorf("buffer: flush %+v: %w", pageID, err)
	}
	f.dirty = false
	return nil
}

// FlushAll flushes every cached, dirty page belonging to fileID, used by
// the checkpoint scheduler and on table close.
func (p *Pool) FlushAll(fileID disk.FileID) error {
	p.mu.Lock()
	var toFlush []PageID
	for id, idx := range p.pageTbl {
		if id.File == fileID && p.frames[idx].dirty {
			toFlush = append(toFlush, id)
		}
	}
	p.mu.Unlock()

	for _, id := range toFlush {
		if err := p.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll drops every cached page belonging to fileID without writeback,
// resetting their pin counts to zero. Used on table/index drop.
func (p *Pool) DeleteAll(fileID disk.FileID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, idx := range p.pageTbl {
		if id.File != fileID {
			continue
		}
		f := &p.frames[idx]
		p.replacer.remove(idx)
		f.valid = false
		f.pinCount = 0
		f.dirty = false
		delete(p.pageTbl, id)
		p.freeList = append(p.freeList, idx)
	}
}

// victim returns a frame index ready for rebinding: the free list first,
// then the LRU replacer. Caller holds p.mu.
func (p *Pool) victim() (int, error) {
	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return idx, nil
	}
	idx, ok := p.replacer.pop()
	if !ok {
		return 0, dberrors.ErrPoolExhausted
	}
	p.evictions++
	return idx, nil
}

// evictInto prepares a victim frame for rebinding: writes it back if
// dirty and unmaps it. On writeback failure the frame returns to the free
// list unmapped so the accounting invariant holds. Caller holds p.mu.
func (p *Pool) evictInto(idx int, f *Frame) error {
	if f.valid && f.dirty {
		if err := p.disk.WritePage(f.pageID.File, f.pageID.Page, f.data[:]); err != nil {
			delete(p.pageTbl, f.pageID)
			f.valid = false
			f.dirty = false
			p.freeList = append(p.freeList, idx)
			return fmt.Errorf("buffer: writeback %+v: %w", f.pageID, err)
		}
		f.dirty = false
	}
	if f.valid {
		delete(p.pageTbl, f.pageID)
		f.valid = false
	}
	return nil
}
