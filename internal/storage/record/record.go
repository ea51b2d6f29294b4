// Package record implements the heap file layer: fixed-size record slots
// packed into 4 KiB pages behind a free-slot bitmap, with a first-free-page
// chain for fast insert placement.
//
// Locking and undo-log bookkeeping are the caller's responsibility (the
// executors in internal/engine acquire the appropriate table/record lock
// and append undo records before invoking these operations); this package
// only manipulates page bytes.
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/storage/buffer"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
)

const (
	fileHdrPage   = 0
	firstDataPage = 1
	pageHdrSize   = 16 // num_records int32 + checksum uint32 + next_free_page int64
)

// Rid identifies a record by page number and slot number. Stable for the
// lifetime of the record.
type Rid struct {
	PageNo  int64
	SlotNo  int32
}

// FileHeader is the page-0 metadata of a heap file.
type FileHeader struct {
	RecordSize       int32
	NumPages         int64
	NumRecordsPerPage int32
	FirstFreePageNo  int64 // -1 for none
	BitmapSize       int32
}

func (h *FileHeader) marshal() []byte {
	buf := make([]byte, disk.PageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.RecordSize))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.NumPages))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.NumRecordsPerPage))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.FirstFreePageNo))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.BitmapSize))
	return buf
}

func unmarshalFileHeader(buf []byte) FileHeader {
	return FileHeader{
		RecordSize:        int32(binary.LittleEndian.Uint32(buf[0:4])),
		NumPages:          int64(binary.LittleEndian.Uint64(buf[4:12])),
		NumRecordsPerPage: int32(binary.LittleEndian.Uint32(buf[12:16])),
		FirstFreePageNo:   int64(binary.LittleEndian.Uint64(buf[16:24])),
		BitmapSize:        int32(binary.LittleEndian.Uint32(buf[24:28])),
	}
}

// RecordsPerPage computes the packing that maximizes records per page
// subject to pageHdrSize + ceil(n/8) + n*recordSize <= disk.PageSize.
func RecordsPerPage(recordSize int) int {
	n := 0
	for {
		candidate := n + 1
		bitmapSize := (candidate + 7) / 8
		if pageHdrSize+bitmapSize+candidate*recordSize > disk.PageSize {
			break
		}
		n = candidate
	}
	return n
}

// Manager is a heap file handle bound to an open disk file and buffer pool.
type Manager struct {
	d       *disk.Manager
	pool    *buffer.Pool
	fileID  disk.FileID
	hdr     FileHeader
}

// Create initializes a new, empty heap file for records of recordSize
// bytes and returns its handle.
func Create(d *disk.Manager, pool *buffer.Pool, fileID disk.FileID, recordSize int) (*Manager, error) {
	perPage := RecordsPerPage(recordSize)
	if perPage <= 0 {
		return nil, fmt.Errorf("record: record size %d too large for a page", recordSize)
	}
	hdr := FileHeader{
		RecordSize:        int32(recordSize),
		NumPages:          1,
		NumRecordsPerPage: int32(perPage),
		FirstFreePageNo:   -1,
		BitmapSize:        int32((perPage + 7) / 8),
	}
	// Reserve page 0 for the header so data pages start at firstDataPage.
	if _, err := d.AllocatePage(fileID); err != nil {
		return nil, err
	}
	if err := d.WritePage(fileID, fileHdrPage, hdr.marshal()); err != nil {
		return nil, err
	}
	return &Manager{d: d, pool: pool, fileID: fileID, hdr: hdr}, nil
}

// Open reads the file header of an already-created heap file.
func Open(d *disk.Manager, pool *buffer.Pool, fileID disk.FileID) (*Manager, error) {
	buf := make([]byte, disk.PageSize)
	if err := d.ReadPage(fileID, fileHdrPage, buf); err != nil {
		return nil, err
	}
	return &Manager{d: d, pool: pool, fileID: fileID, hdr: unmarshalFileHeader(buf)}, nil
}

// FileHeader returns a copy of the current file header.
func (m *Manager) FileHeader() FileHeader { return m.hdr }

func (m *Manager) flushHeader() error {
	return m.d.WritePage(m.fileID, fileHdrPage, m.hdr.marshal())
}

type pageLayout struct {
	numRecords *int32
	checksum   *uint32
	nextFree   *int64 // next page in the free chain, -1 at the tail
	bitmap     []byte
	slots      []byte
}

// layout carves up a raw page buffer into header/bitmap/slots. The page
// header holds the live-record count, the checksum of the most recently
// written record, and the free-chain successor; the bitmap and slots
// occupy the remainder.
func (m *Manager) layout(buf []byte) pageLayout {
	nr := int32(binary.LittleEndian.Uint32(buf[0:4]))
	cs := binary.LittleEndian.Uint32(buf[4:8])
	nf := int64(binary.LittleEndian.Uint64(buf[8:16]))
	bmStart := pageHdrSize
	bmEnd := bmStart + int(m.hdr.BitmapSize)
	return pageLayout{
		numRecords: &nr,
		checksum:   &cs,
		nextFree:   &nf,
		bitmap:     buf[bmStart:bmEnd],
		slots:      buf[bmEnd:],
	}
}

func putPageHeader(buf []byte, numRecords int32, checksum uint32, nextFree int64) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(numRecords))
	binary.LittleEndian.PutUint32(buf[4:8], checksum)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(nextFree))
}

func recordChecksum(rec []byte) uint32 {
	return crc32.ChecksumIEEE(rec)
}

func bitmapIsSet(bm []byte, pos int) bool {
	return bm[pos/8]&(0x80>>uint(pos%8)) != 0
}

func bitmapSet(bm []byte, pos int) {
	bm[pos/8] |= 0x80 >> uint(pos%8)
}

func bitmapReset(bm []byte, pos int) {
	bm[pos/8] &^= 0x80 >> uint(pos%8)
}

// firstBit returns the first position in [0, maxN) whose bit equals want.
func firstBit(bm []byte, maxN int, want bool) (int, bool) {
	for i := 0; i < maxN; i++ {
		if bitmapIsSet(bm, i) == want {
			return i, true
		}
	}
	return 0, false
}

func popcount(bm []byte) int {
	n := 0
	for _, b := range bm {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

// allocatePage allocates and zero-initializes a fresh data page, wiring
// its header with an empty bitmap and no free-chain successor.
func (m *Manager) allocatePage() (int64, error) {
	pageID, frame, err := m.pool.NewPage(m.fileID)
	if err != nil {
		return 0, err
	}
	putPageHeader(frame.Data(), 0, 0, -1)
	if err := m.pool.Unpin(pageID, true); err != nil {
		return 0, err
	}
	m.hdr.NumPages++
	return pageID.Page, nil
}

// Insert writes bytes as a new record and returns its Rid. bytes must be
// exactly FileHeader.RecordSize long.
func (m *Manager) Insert(bytes []byte) (Rid, error) {
	if int32(len(bytes)) != m.hdr.RecordSize {
		return Rid{}, fmt.Errorf("%w: expected %d bytes, got %d", dberrors.ErrInvalidRecordSize, m.hdr.RecordSize, len(bytes))
	}

	pageNo := m.hdr.FirstFreePageNo
	if pageNo == -1 {
		var err error
		pageNo, err = m.allocatePage()
		if err != nil {
			return Rid{}, err
		}
		m.hdr.FirstFreePageNo = pageNo
		if err := m.flushHeader(); err != nil {
			return Rid{}, err
		}
	}

	pid := buffer.PageID{File: m.fileID, Page: pageNo}
	frame, err := m.pool.Fetch(pid)
	if err != nil {
		return Rid{}, err
	}
	buf := frame.Data()
	lay := m.layout(buf)

	slotNo, ok := firstBit(lay.bitmap, int(m.hdr.NumRecordsPerPage), false)
	if !ok {
		m.pool.Unpin(pid, false)
		return Rid{}, fmt.Errorf("%w: page %d reported free but has no free slot", dberrors.ErrInternal, pageNo)
	}

	recSize := int(m.hdr.RecordSize)
	copy(lay.slots[slotNo*recSize:(slotNo+1)*recSize], bytes)
	bitmapSet(lay.bitmap, slotNo)
	*lay.numRecords++
	*lay.checksum = recordChecksum(bytes)
	putPageHeader(buf, *lay.numRecords, *lay.checksum, *lay.nextFree)

	full := int(*lay.numRecords) >= int(m.hdr.NumRecordsPerPage)
	if full {
		// Unlink this page from the free chain.
		m.hdr.FirstFreePageNo = *lay.nextFree
		if err := m.flushHeader(); err != nil {
			m.pool.Unpin(pid, true)
			return Rid{}, err
		}
	}

	if err := m.pool.Unpin(pid, true); err != nil {
		return Rid{}, err
	}
	return Rid{PageNo: pageNo, SlotNo: int32(slotNo)}, nil
}

// InsertAt writes bytes at the exact rid, failing if the slot is already
// occupied. Used only to undo a prior Delete(rid) so that abort restores
// the identical Rid an index undo entry was recorded against, rather than
// letting a fresh Insert land on a different slot. Mirrors Delete's
// free-chain bookkeeping in reverse: if the slot being refilled was the
// page's only free slot, the page is popped back off the head of the free
// chain, exactly undoing the push Delete performed when it freed that slot.
func (m *Manager) InsertAt(rid Rid, bytes []byte) error {
	if int32(len(bytes)) != m.hdr.RecordSize {
		return fmt.Errorf("%w: expected %d bytes, got %d", dberrors.ErrInvalidRecordSize, m.hdr.RecordSize, len(bytes))
	}
	pid := buffer.PageID{File: m.fileID, Page: rid.PageNo}
	frame, err := m.pool.Fetch(pid)
	if err != nil {
		return err
	}
	buf := frame.Data()
	lay := m.layout(buf)
	if bitmapIsSet(lay.bitmap, int(rid.SlotNo)) {
		m.pool.Unpin(pid, false)
		return fmt.Errorf("%w: rid %+v already occupied", dberrors.ErrInternal, rid)
	}

	recSize := int(m.hdr.RecordSize)
	copy(lay.slots[int(rid.SlotNo)*recSize:(int(rid.SlotNo)+1)*recSize], bytes)
	bitmapSet(lay.bitmap, int(rid.SlotNo))
	*lay.numRecords++
	*lay.checksum = recordChecksum(bytes)
	putPageHeader(buf, *lay.numRecords, *lay.checksum, *lay.nextFree)

	nowFull := int(*lay.numRecords) >= int(m.hdr.NumRecordsPerPage)
	if nowFull {
		m.hdr.FirstFreePageNo = *lay.nextFree
		if err := m.flushHeader(); err != nil {
			m.pool.Unpin(pid, true)
			return err
		}
	}
	return m.pool.Unpin(pid, true)
}

// Get copies out the record at rid.
func (m *Manager) Get(rid Rid) ([]byte, error) {
	pid := buffer.PageID{File: m.fileID, Page: rid.PageNo}
	frame, err := m.pool.Fetch(pid)
	if err != nil {
		return nil, err
	}
	defer m.pool.Unpin(pid, false)

	lay := m.layout(frame.Data())
	if !bitmapIsSet(lay.bitmap, int(rid.SlotNo)) {
		return nil, fmt.Errorf("%w: rid %+v", dberrors.ErrRecordNotFound, rid)
	}
	recSize := int(m.hdr.RecordSize)
	out := make([]byte, recSize)
	copy(out, lay.slots[int(rid.SlotNo)*recSize:(int(rid.SlotNo)+1)*recSize])
	return out, nil
}

// Update overwrites the record at rid with bytes.
func (m *Manager) Update(rid Rid, bytes []byte) error {
	if int32(len(bytes)) != m.hdr.RecordSize {
		return fmt.Errorf("%w: expected %d bytes, got %d", dberrors.ErrInvalidRecordSize, m.hdr.RecordSize, len(bytes))
	}
	pid := buffer.PageID{File: m.fileID, Page: rid.PageNo}
	frame, err := m.pool.Fetch(pid)
	if err != nil {
		return err
	}
	buf := frame.Data()
	lay := m.layout(buf)
	if !bitmapIsSet(lay.bitmap, int(rid.SlotNo)) {
		m.pool.Unpin(pid, false)
		return fmt.Errorf("%w: rid %+v", dberrors.ErrRecordNotFound, rid)
	}
	recSize := int(m.hdr.RecordSize)
	copy(lay.slots[int(rid.SlotNo)*recSize:(int(rid.SlotNo)+1)*recSize], bytes)
	*lay.checksum = recordChecksum(bytes)
	putPageHeader(buf, *lay.numRecords, *lay.checksum, *lay.nextFree)
	return m.pool.Unpin(pid, true)
}

// Delete clears the bitmap bit for rid, re-linking the page at the head
// of the free chain if it had been full.
func (m *Manager) Delete(rid Rid) error {
	pid := buffer.PageID{File: m.fileID, Page: rid.PageNo}
	frame, err := m.pool.Fetch(pid)
	if err != nil {
		return err
	}
	buf := frame.Data()
	lay := m.layout(buf)
	if !bitmapIsSet(lay.bitmap, int(rid.SlotNo)) {
		m.pool.Unpin(pid, false)
		return fmt.Errorf("%w: rid %+v", dberrors.ErrRecordNotFound, rid)
	}

	wasFull := int(*lay.numRecords) >= int(m.hdr.NumRecordsPerPage)
	bitmapReset(lay.bitmap, int(rid.SlotNo))
	*lay.numRecords--
	putPageHeader(buf, *lay.numRecords, *lay.checksum, *lay.nextFree)

	if wasFull {
		*lay.nextFree = m.hdr.FirstFreePageNo
		putPageHeader(buf, *lay.numRecords, *lay.checksum, *lay.nextFree)
		m.hdr.FirstFreePageNo = rid.PageNo
		if err := m.flushHeader(); err != nil {
			m.pool.Unpin(pid, true)
			return err
		}
	}
	return m.pool.Unpin(pid, true)
}

// BulkAppender assembles whole data pages in memory and writes them to
// disk in contiguous bursts via WritePagesBulk, bypassing the buffer
// pool. Used by the CSV loader, which owns the heap for the duration of
// a load (the load pool gates concurrency): full pages get an all-ones
// bitmap, and Close links the trailing partial page into the free chain
// and persists the updated file header.
type BulkAppender struct {
	m        *Manager
	maxPages int
	pageNos  []int64
	pages    [][]byte
	curSlot  int32
}

// NewBulkAppender creates a bulk appender that buffers at most maxPages
// page images before writing them in one burst.
func (m *Manager) NewBulkAppender(maxPages int) *BulkAppender {
	if maxPages <= 0 {
		maxPages = 1
	}
	return &BulkAppender{m: m, maxPages: maxPages}
}

// Append writes rec into the current in-memory page, starting a new page
// (and flushing a full burst) as needed, and returns the record's Rid.
func (b *BulkAppender) Append(rec []byte) (Rid, error) {
	if int32(len(rec)) != b.m.hdr.RecordSize {
		return Rid{}, fmt.Errorf("%w: expected %d bytes, got %d", dberrors.ErrInvalidRecordSize, b.m.hdr.RecordSize, len(rec))
	}
	if len(b.pages) == 0 || b.curSlot >= b.m.hdr.NumRecordsPerPage {
		if len(b.pages) == b.maxPages {
			if err := b.flush(false); err != nil {
				return Rid{}, err
			}
		}
		pn, err := b.m.d.AllocatePage(b.m.fileID)
		if err != nil {
			return Rid{}, err
		}
		if len(b.pageNos) > 0 && pn != b.pageNos[len(b.pageNos)-1]+1 {
			return Rid{}, fmt.Errorf("%w: non-contiguous page allocation during bulk load", dberrors.ErrInternal)
		}
		b.pageNos = append(b.pageNos, pn)
		b.pages = append(b.pages, make([]byte, disk.PageSize))
		b.curSlot = 0
	}
	page := b.pages[len(b.pages)-1]
	lay := b.m.layout(page)
	recSize := int(b.m.hdr.RecordSize)
	copy(lay.slots[int(b.curSlot)*recSize:(int(b.curSlot)+1)*recSize], rec)
	bitmapSet(lay.bitmap, int(b.curSlot))
	putPageHeader(page, b.curSlot+1, recordChecksum(rec), -1)
	rid := Rid{PageNo: b.pageNos[len(b.pageNos)-1], SlotNo: b.curSlot}
	b.curSlot++
	return rid, nil
}

func (b *BulkAppender) flush(final bool) error {
	if len(b.pages) == 0 {
		return nil
	}
	k := len(b.pages)
	if final && b.curSlot < b.m.hdr.NumRecordsPerPage {
		// Trailing partial page joins the head of the free chain so
		// ordinary inserts fill it up.
		last := b.pages[k-1]
		lay := b.m.layout(last)
		putPageHeader(last, *lay.numRecords, *lay.checksum, b.m.hdr.FirstFreePageNo)
		b.m.hdr.FirstFreePageNo = b.pageNos[k-1]
	}
	buf := make([]byte, 0, k*disk.PageSize)
	for _, p := range b.pages {
		buf = append(buf, p...)
	}
	if err := b.m.d.WritePagesBulk(b.m.fileID, b.pageNos[0], buf, k); err != nil {
		return err
	}
	b.m.hdr.NumPages = b.pageNos[k-1] + 1
	if err := b.m.flushHeader(); err != nil {
		return err
	}
	b.pages = nil
	b.pageNos = nil
	return nil
}

// Close writes the remaining buffered pages and persists the file
// header. The appender must not be used afterwards.
func (b *BulkAppender) Close() error {
	return b.flush(true)
}

// Scan walks data pages 1..NumPages-1 (NumPages counts the header page)
// and yields live Rids in page/slot order.
type Scan struct {
	m       *Manager
	pageNo  int64
	slotNo  int32
	done    bool
}

// NewScan creates a fresh heap scan positioned before the first record.
func (m *Manager) NewScan() *Scan {
	return &Scan{m: m, pageNo: firstDataPage, slotNo: -1}
}

// Next advances to the next live Rid, returning ok=false at end of file.
func (s *Scan) Next() (Rid, bool, error) {
	if s.done {
		return Rid{}, false, nil
	}
	for s.pageNo < s.m.hdr.NumPages {
		pid := buffer.PageID{File: s.m.fileID, Page: s.pageNo}
		frame, err := s.m.pool.Fetch(pid)
		if err != nil {
			return Rid{}, false, err
		}
		lay := s.m.layout(frame.Data())
		next := 0
		found := false
		for i := int(s.slotNo) + 1; i < int(s.m.hdr.NumRecordsPerPage); i++ {
			if bitmapIsSet(lay.bitmap, i) {
				next = i
				found = true
				break
			}
		}
		s.m.pool.Unpin(pid, false)
		if found {
			s.slotNo = int32(next)
			return Rid{PageNo: s.pageNo, SlotNo: s.slotNo}, true, nil
		}
		s.pageNo++
		s.slotNo = -1
	}
	s.done = true
	return Rid{}, false, nil
}

// CountRecords sums each page's live-record counter without touching
// record bodies, used by the FastCount short-circuit for
// SELECT COUNT(*) FROM t with no WHERE clause.
func (m *Manager) CountRecords() (int64, error) {
	var total int64
	for pageNo := int64(firstDataPage); pageNo < m.hdr.NumPages; pageNo++ {
		pid := buffer.PageID{File: m.fileID, Page: pageNo}
		frame, err := m.pool.Fetch(pid)
		if err != nil {
			return 0, err
		}
		lay := m.layout(frame.Data())
		total += int64(*lay.numRecords)
		m.pool.Unpin(pid, false)
	}
	return total, nil
}

// PopcountCheck validates the bitmap-consistency invariant for a single
// page; used by tests and by DESC-style diagnostics.
func (m *Manager) PopcountCheck(pageNo int64) (bool, error) {
	pid := buffer.PageID{File: m.fileID, Page: pageNo}
	frame, err := m.pool.Fetch(pid)
	if err != nil {
		return false, err
	}
	defer m.pool.Unpin(pid, false)
	lay := m.layout(frame.Data())
	return popcount(lay.bitmap) == int(*lay.numRecords), nil
}
