// Package bplustree implements the unique secondary index: a page-resident
// B+ tree whose leaves hold Rid values and whose internal nodes hold child
// page numbers, linked into a doubly-linked leaf chain for range scans.
//
// Structural mutations (insert/delete/split/merge) are serialized by a
// single root latch; lookups pin every node they dereference and unpin on
// the way out, so no node pointer survives a yield point.
package bplustree

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/storage/buffer"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
	"github.com/relicaldb/relicaldb/internal/storage/record"
)

const (
	noPage      = -1
	fileHdrPage = 0
	nodeHdrSize = 32 // parent int64, numKeys int32, isLeaf int32, prevLeaf int64, nextLeaf int64
	ridSize     = 12 // PageNo int64 + SlotNo int32
)

// Iid identifies a logical position within the leaf chain: a leaf page
// number plus a slot offset within that leaf.
type Iid struct {
	PageNo int64
	SlotNo int32
}

// FileHeader is the page-0 metadata of an index file.
type FileHeader struct {
	RootPageNo int64
	Order      int32
	FirstLeaf  int64
	LastLeaf   int64
	ColTypes   []coltype.Type
	ColLens    []int32
	KeyLen     int32
}

// OrderFor computes the maximum order such that
// nodeHdrSize + (order+1)*(keyLen+ridSize) <= disk.PageSize.
func OrderFor(keyLen int) int {
	order := 2
	for {
		candidate := order + 1
		if nodeHdrSize+(candidate+1)*(keyLen+ridSize) > disk.PageSize {
			break
		}
		order = candidate
	}
	if order <= 2 {
		panic(fmt.Sprintf("bplustree: key length %d leaves no room for an order > 2 node", keyLen))
	}
	return order
}

func (h *FileHeader) marshal() []byte {
	buf := make([]byte, disk.PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.RootPageNo))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Order))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.FirstLeaf))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.LastLeaf))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.KeyLen))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(h.ColTypes)))
	off := 36
	for i := range h.ColTypes {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.ColTypes[i]))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(h.ColLens[i]))
		off += 8
	}
	return buf
}

func unmarshalFileHeader(buf []byte) FileHeader {
	h := FileHeader{
		RootPageNo: int64(binary.LittleEndian.Uint64(buf[0:8])),
		Order:      int32(binary.LittleEndian.Uint32(buf[8:12])),
		FirstLeaf:  int64(binary.LittleEndian.Uint64(buf[12:20])),
		LastLeaf:   int64(binary.LittleEndian.Uint64(buf[20:28])),
		KeyLen:     int32(binary.LittleEndian.Uint32(buf[28:32])),
	}
	n := int(binary.LittleEndian.Uint32(buf[32:36]))
	off := 36
	h.ColTypes = make([]coltype.Type, n)
	h.ColLens = make([]int32, n)
	for i := 0; i < n; i++ {
		h.ColTypes[i] = coltype.Type(binary.LittleEndian.Uint32(buf[off : off+4]))
		h.ColLens[i] = int32(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		off += 8
	}
	return h
}

// Tree is an open B+ tree index handle.
type Tree struct {
	d      *disk.Manager
	pool   *buffer.Pool
	fileID disk.FileID
	hdr    FileHeader

	rootLatch sync.Mutex
}

// Create initializes a new, empty index file over the given composite key
// shape.
func Create(d *disk.Manager, pool *buffer.Pool, fileID disk.FileID, colTypes []coltype.Type, colLens []int32) (*Tree, error) {
	keyLen := 0
	for _, l := range colLens {
		keyLen += int(l)
	}
	hdr := FileHeader{
		RootPageNo: noPage,
		Order:      int32(OrderFor(keyLen)),
		FirstLeaf:  noPage,
		LastLeaf:   noPage,
		ColTypes:   colTypes,
		ColLens:    colLens,
		KeyLen:     int32(keyLen),
	}
	// Reserve page 0 for the header so nodes are allocated after it.
	if _, err := d.AllocatePage(fileID); err != nil {
		return nil, err
	}
	if err := d.WritePage(fileID, fileHdrPage, hdr.marshal()); err != nil {
		return nil, err
	}
	return &Tree{d: d, pool: pool, fileID: fileID, hdr: hdr}, nil
}

// Open reads the file header of an already-created index file.
func Open(d *disk.Manager, pool *buffer.Pool, fileID disk.FileID) (*Tree, error) {
	buf := make([]byte, disk.PageSize)
	if err := d.ReadPage(fileID, fileHdrPage, buf); err != nil {
		return nil, err
	}
	return &Tree{d: d, pool: pool, fileID: fileID, hdr: unmarshalFileHeader(buf)}, nil
}

func (t *Tree) flushHeader() error {
	return t.d.WritePage(t.fileID, fileHdrPage, t.hdr.marshal())
}

// compare orders two key buffers per the tree's declared column shape.
func (t *Tree) compare(a, b []byte) int {
	return coltype.CompareComposite(a, b, t.hdr.ColTypes, intSlice(t.hdr.ColLens))
}

func intSlice(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

// MakeKey concatenates the declared columns' raw bytes from a record at
// the given offsets, in declared order, producing a dense key buffer.
func MakeKey(rec []byte, offsets []int, colLens []int32) []byte {
	keyLen := 0
	for _, l := range colLens {
		keyLen += int(l)
	}
	out := make([]byte, 0, keyLen)
	for i, off := range offsets {
		l := int(colLens[i])
		out = append(out, rec[off:off+l]...)
	}
	return out
}

// node is an in-memory view over a pinned page's bytes.
type node struct {
	pageNo int64
	buf    []byte
	order  int
	keyLen int
}

func (t *Tree) newNodeView(pageNo int64, buf []byte) *node {
	return &node{pageNo: pageNo, buf: buf, order: int(t.hdr.Order), keyLen: int(t.hdr.KeyLen)}
}

func (n *node) parent() int64    { return int64(binary.LittleEndian.Uint64(n.buf[0:8])) }
func (n *node) setParent(p int64) { binary.LittleEndian.PutUint64(n.buf[0:8], uint64(p)) }
func (n *node) numKeys() int     { return int(int32(binary.LittleEndian.Uint32(n.buf[8:12]))) }
func (n *node) setNumKeys(k int) { binary.LittleEndian.PutUint32(n.buf[8:12], uint32(int32(k))) }
func (n *node) isLeaf() bool     { return binary.LittleEndian.Uint32(n.buf[12:16]) != 0 }
func (n *node) setLeaf(v bool) {
	x := uint32(0)
	if v {
		x = 1
	}
	binary.LittleEndian.PutUint32(n.buf[12:16], x)
}
func (n *node) prevLeaf() int64     { return int64(binary.LittleEndian.Uint64(n.buf[16:24])) }
func (n *node) setPrevLeaf(p int64) { binary.LittleEndian.PutUint64(n.buf[16:24], uint64(p)) }
func (n *node) nextLeaf() int64     { return int64(binary.LittleEndian.Uint64(n.buf[24:32])) }
func (n *node) setNextLeaf(p int64) { binary.LittleEndian.PutUint64(n.buf[24:32], uint64(p)) }

func (n *node) keyAt(i int) []byte {
	off := nodeHdrSize + i*n.keyLen
	return n.buf[off : off+n.keyLen]
}
func (n *node) setKeyAt(i int, key []byte) {
	off := nodeHdrSize + i*n.keyLen
	copy(n.buf[off:off+n.keyLen], key)
}

func (n *node) ridOff() int { return nodeHdrSize + (n.order+1)*n.keyLen }

func (n *node) ridAt(i int) record.Rid {
	off := n.ridOff() + i*ridSize
	return record.Rid{
		PageNo: int64(binary.LittleEndian.Uint64(n.buf[off : off+8])),
		SlotNo: int32(binary.LittleEndian.Uint32(n.buf[off+8 : off+12])),
	}
}
func (n *node) setRidAt(i int, r record.Rid) {
	off := n.ridOff() + i*ridSize
	binary.LittleEndian.PutUint64(n.buf[off:off+8], uint64(r.PageNo))
	binary.LittleEndian.PutUint32(n.buf[off+8:off+12], uint32(r.SlotNo))
}

// childAt reinterprets the Rid at i as a child page number (internal
// nodes only: the page_no field holds the child, slot_no is unused).
func (n *node) childAt(i int) int64 { return n.ridAt(i).PageNo }
func (n *node) setChildAt(i int, child int64) {
	n.setRidAt(i, record.Rid{PageNo: child, SlotNo: 0})
}

// fetchNode pins and returns the node view for pageNo.
func (t *Tree) fetchNode(pageNo int64) (*node, error) {
	pid := buffer.PageID{File: t.fileID, Page: pageNo}
	frame, err := t.pool.Fetch(pid)
	if err != nil {
		return nil, err
	}
	return t.newNodeView(pageNo, frame.Data()), nil
}

func (t *Tree) releaseNode(n *node, dirty bool) error {
	return t.pool.Unpin(buffer.PageID{File: t.fileID, Page: n.pageNo}, dirty)
}

// createNode allocates a zeroed node page.
func (t *Tree) createNode(leaf bool) (*node, error) {
	pageID, frame, err := t.pool.NewPage(t.fileID)
	if err != nil {
		return nil, err
	}
	n := t.newNodeView(pageID.Page, frame.Data())
	n.setParent(noPage)
	n.setNumKeys(0)
	n.setLeaf(leaf)
	n.setPrevLeaf(noPage)
	n.setNextLeaf(noPage)
	return n, nil
}

// lowerBoundIdx returns the index of the first key >= target within n.
func (t *Tree) lowerBoundIdx(n *node, target []byte) int {
	lo, hi := 0, n.numKeys()
	for lo < hi {
		mid := (lo + hi) / 2
		if t.compare(n.keyAt(mid), target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBoundIdx returns the index of the first key > target within n.
// Kept as a plain linear scan; nodes are small enough that a binary
// variant buys nothing here.
func (t *Tree) upperBoundIdx(n *node, target []byte) int {
	nk := n.numKeys()
	for i := 0; i < nk; i++ {
		if t.compare(n.keyAt(i), target) > 0 {
			return i
		}
	}
	return nk
}

// internalLookup chooses the child slot to descend into for key, per the
// upper_bound-minus-one rule for internal nodes.
func (t *Tree) internalLookup(n *node, key []byte) int64 {
	idx := t.upperBoundIdx(n, key) - 1
	if idx < 0 {
		idx = 0
	}
	return n.childAt(idx)
}

// Get looks up key and returns its Rid, if present.
func (t *Tree) Get(key []byte) (record.Rid, bool, error) {
	if t.hdr.RootPageNo == noPage {
		return record.Rid{}, false, nil
	}
	leaf, err := t.descendToLeaf(key)
	if err != nil {
		return record.Rid{}, false, err
	}
	defer t.releaseNode(leaf, false)

	idx := t.lowerBoundIdx(leaf, key)
	if idx < leaf.numKeys() && t.compare(leaf.keyAt(idx), key) == 0 {
		return leaf.ridAt(idx), true, nil
	}
	return record.Rid{}, false, nil
}

func (t *Tree) descendToLeaf(key []byte) (*node, error) {
	pageNo := t.hdr.RootPageNo
	for {
		n, err := t.fetchNode(pageNo)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		next := t.internalLookup(n, key)
		t.releaseNode(n, false)
		pageNo = next
	}
}

// LowerBound returns the Iid of the first entry with key >= target.
func (t *Tree) LowerBound(target []byte) (Iid, error) {
	if t.hdr.RootPageNo == noPage {
		return t.LeafEnd()
	}
	leaf, err := t.descendToLeaf(target)
	if err != nil {
		return Iid{}, err
	}
	defer t.releaseNode(leaf, false)
	idx := t.lowerBoundIdx(leaf, target)
	if idx >= leaf.numKeys() {
		next := leaf.nextLeaf()
		if next == noPage {
			return t.LeafEnd()
		}
		return Iid{PageNo: next, SlotNo: 0}, nil
	}
	return Iid{PageNo: leaf.pageNo, SlotNo: int32(idx)}, nil
}

// UpperBound returns the Iid of the first entry with key > target.
func (t *Tree) UpperBound(target []byte) (Iid, error) {
	if t.hdr.RootPageNo == noPage {
		return t.LeafEnd()
	}
	leaf, err := t.descendToLeaf(target)
	if err != nil {
		return Iid{}, err
	}
	defer t.releaseNode(leaf, false)
	idx := t.upperBoundIdx(leaf, target)
	if idx >= leaf.numKeys() {
		next := leaf.nextLeaf()
		if next == noPage {
			return t.LeafEnd()
		}
		return Iid{PageNo: next, SlotNo: 0}, nil
	}
	return Iid{PageNo: leaf.pageNo, SlotNo: int32(idx)}, nil
}

// LeafEnd returns the past-the-end sentinel: (last_leaf, last_leaf_size).
func (t *Tree) LeafEnd() (Iid, error) {
	if t.hdr.LastLeaf == noPage {
		return Iid{PageNo: noPage, SlotNo: 0}, nil
	}
	leaf, err := t.fetchNode(t.hdr.LastLeaf)
	if err != nil {
		return Iid{}, err
	}
	defer t.releaseNode(leaf, false)
	return Iid{PageNo: t.hdr.LastLeaf, SlotNo: int32(leaf.numKeys())}, nil
}

// LeafBegin returns the Iid of the first entry in the tree.
func (t *Tree) LeafBegin() Iid {
	if t.hdr.FirstLeaf == noPage {
		return Iid{PageNo: noPage, SlotNo: 0}
	}
	return Iid{PageNo: t.hdr.FirstLeaf, SlotNo: 0}
}

// RidAt resolves an Iid to its Rid.
func (t *Tree) RidAt(iid Iid) (record.Rid, error) {
	n, err := t.fetchNode(iid.PageNo)
	if err != nil {
		return record.Rid{}, err
	}
	defer t.releaseNode(n, false)
	return n.ridAt(int(iid.SlotNo)), nil
}

// KeyAt resolves an Iid to the key bytes stored at that slot, used by
// FastAggWithIndex's MIN/MAX short-circuit (the boundary key of a range
// is its MIN; the key immediately before the range's exclusive upper
// bound is its MAX).
func (t *Tree) KeyAt(iid Iid) ([]byte, error) {
	n, err := t.fetchNode(iid.PageNo)
	if err != nil {
		return nil, err
	}
	defer t.releaseNode(n, false)
	return append([]byte(nil), n.keyAt(int(iid.SlotNo))...), nil
}

// KeyAtUpperExclusive resolves the key immediately preceding an
// exclusive upper-bound Iid (the MAX of a [lower, upper) range).
func (t *Tree) KeyAtUpperExclusive(upper Iid) ([]byte, error) {
	if upper.SlotNo > 0 {
		return t.KeyAt(Iid{PageNo: upper.PageNo, SlotNo: upper.SlotNo - 1})
	}
	n, err := t.fetchNode(upper.PageNo)
	if err != nil {
		return nil, err
	}
	prev := n.prevLeaf()
	t.releaseNode(n, false)
	if prev == noPage {
		return nil, fmt.Errorf("%w: empty range", dberrors.ErrIndexEntryNotFound)
	}
	pn, err := t.fetchNode(prev)
	if err != nil {
		return nil, err
	}
	defer t.releaseNode(pn, false)
	return append([]byte(nil), pn.keyAt(pn.numKeys()-1)...), nil
}

// RangeCount counts entries in [lower, upper) by walking the leaf chain
// and summing per-leaf slot counts, avoiding per-Rid heap lookups.
func (t *Tree) RangeCount(lower, upper Iid) (int64, error) {
	if lower.PageNo == noPage {
		return 0, nil
	}
	var count int64
	cur := lower
	for cur.PageNo != noPage {
		n, err := t.fetchNode(cur.PageNo)
		if err != nil {
			return 0, err
		}
		end := n.numKeys()
		if cur.PageNo == upper.PageNo {
			end = int(upper.SlotNo)
		}
		if end > int(cur.SlotNo) {
			count += int64(end - int(cur.SlotNo))
		}
		next := n.nextLeaf()
		atUpper := cur.PageNo == upper.PageNo
		t.releaseNode(n, false)
		if atUpper {
			break
		}
		cur = Iid{PageNo: next, SlotNo: 0}
	}
	return count, nil
}

// Scan iterates Rids in increasing key order over [lower, upper).
type Scan struct {
	t     *Tree
	cur   Iid
	upper Iid
	done  bool
}

// NewScan creates an iterator over [lower, upper).
func (t *Tree) NewScan(lower, upper Iid) *Scan {
	return &Scan{t: t, cur: lower, upper: upper}
}

// Next advances the scan, returning the next Rid in range.
func (s *Scan) Next() (record.Rid, bool, error) {
	if s.done || (s.cur.PageNo == s.upper.PageNo && s.cur.SlotNo == s.upper.SlotNo) {
		s.done = true
		return record.Rid{}, false, nil
	}
	if s.cur.PageNo == noPage {
		s.done = true
		return record.Rid{}, false, nil
	}
	n, err := s.t.fetchNode(s.cur.PageNo)
	if err != nil {
		return record.Rid{}, false, err
	}
	rid := n.ridAt(int(s.cur.SlotNo))
	nextSlot := s.cur.SlotNo + 1
	nextPage := s.cur.PageNo
	if int(nextSlot) >= n.numKeys() {
		nextPage = n.nextLeaf()
		nextSlot = 0
	}
	s.t.releaseNode(n, false)
	s.cur = Iid{PageNo: nextPage, SlotNo: nextSlot}
	return rid, true, nil
}

// InsertEntry inserts (key, rid). Fails with ErrDuplicateKey if key
// already exists, since the index is unique.
func (t *Tree) InsertEntry(key []byte, rid record.Rid) error {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()

	if t.hdr.RootPageNo == noPage {
		n, err := t.createNode(true)
		if err != nil {
			return err
		}
		n.setKeyAt(0, key)
		n.setRidAt(0, rid)
		n.setNumKeys(1)
		t.hdr.RootPageNo = n.pageNo
		t.hdr.FirstLeaf = n.pageNo
		t.hdr.LastLeaf = n.pageNo
		if err := t.flushHeader(); err != nil {
			t.releaseNode(n, true)
			return err
		}
		return t.releaseNode(n, true)
	}

	leaf, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}
	idx := t.lowerBoundIdx(leaf, key)
	if idx < leaf.numKeys() && t.compare(leaf.keyAt(idx), key) == 0 {
		t.releaseNode(leaf, false)
		return fmt.Errorf("%w: %v", dberrors.ErrDuplicateKey, key)
	}
	t.insertIntoNode(leaf, idx, key, rid)

	if leaf.numKeys() <= t.maxSize() {
		return t.releaseNode(leaf, true)
	}
	return t.splitAndPropagate(leaf)
}

func (t *Tree) maxSize() int { return int(t.hdr.Order) }
func (t *Tree) minSize() int { return (int(t.hdr.Order) + 1) / 2 }

// insertIntoNode shifts entries right to open a slot at idx and writes
// key/value (a Rid for leaves, a child page-no-as-Rid for internals).
func (t *Tree) insertIntoNode(n *node, idx int, key []byte, value record.Rid) {
	nk := n.numKeys()
	for i := nk; i > idx; i-- {
		n.setKeyAt(i, n.keyAt(i-1))
		n.setRidAt(i, n.ridAt(i-1))
	}
	n.setKeyAt(idx, key)
	n.setRidAt(idx, value)
	n.setNumKeys(nk + 1)
}

// eraseFromNode removes the entry at idx, shifting the remainder left.
func (t *Tree) eraseFromNode(n *node, idx int) {
	nk := n.numKeys()
	for i := idx; i < nk-1; i++ {
		n.setKeyAt(i, n.keyAt(i+1))
		n.setRidAt(i, n.ridAt(i+1))
	}
	n.setNumKeys(nk - 1)
}

// splitAndPropagate splits an overflowing node and inserts the
// separator key into the parent, recursing up to the root if necessary.
func (t *Tree) splitAndPropagate(n *node) error {
	right, err := t.createNode(n.isLeaf())
	if err != nil {
		t.releaseNode(n, true)
		return err
	}

	nk := n.numKeys()
	mid := nk / 2
	rightCount := nk - mid
	for i := 0; i < rightCount; i++ {
		right.setKeyAt(i, n.keyAt(mid+i))
		right.setRidAt(i, n.ridAt(mid+i))
	}
	right.setNumKeys(rightCount)
	n.setNumKeys(mid)

	var upKey []byte
	if n.isLeaf() {
		right.setPrevLeaf(n.pageNo)
		right.setNextLeaf(n.nextLeaf())
		if n.nextLeaf() != noPage {
			sibling, err := t.fetchNode(n.nextLeaf())
			if err == nil {
				sibling.setPrevLeaf(right.pageNo)
				t.releaseNode(sibling, true)
			}
		} else {
			t.hdr.LastLeaf = right.pageNo
			t.flushHeader()
		}
		n.setNextLeaf(right.pageNo)
		upKey = append([]byte(nil), right.keyAt(0)...)
	} else {
		// Reassign the moved children's parent pointers.
		for i := 0; i < right.numKeys(); i++ {
			child, err := t.fetchNode(right.childAt(i))
			if err == nil {
				child.setParent(right.pageNo)
				t.releaseNode(child, true)
			}
		}
		upKey = append([]byte(nil), right.keyAt(0)...)
	}

	if n.pageNo == t.hdr.RootPageNo {
		newRoot, err := t.createNode(false)
		if err != nil {
			t.releaseNode(n, true)
			t.releaseNode(right, true)
			return err
		}
		newRoot.setChildAt(0, n.pageNo)
		newRoot.setKeyAt(1, upKey)
		newRoot.setChildAt(1, right.pageNo)
		newRoot.setNumKeys(2)
		n.setParent(newRoot.pageNo)
		right.setParent(newRoot.pageNo)
		t.hdr.RootPageNo = newRoot.pageNo
		if err := t.flushHeader(); err != nil {
			return err
		}
		t.releaseNode(newRoot, true)
		t.releaseNode(n, true)
		return t.releaseNode(right, true)
	}

	parent, err := t.fetchNode(n.parent())
	if err != nil {
		t.releaseNode(n, true)
		t.releaseNode(right, true)
		return err
	}
	right.setParent(parent.pageNo)
	childIdx := t.findChildIdx(parent, n.pageNo)
	t.insertIntoNode(parent, childIdx+1, upKey, record.Rid{PageNo: right.pageNo})

	if err := t.releaseNode(n, true); err != nil {
		return err
	}
	if err := t.releaseNode(right, true); err != nil {
		return err
	}
	if parent.numKeys() <= t.maxSize() {
		return t.releaseNode(parent, true)
	}
	return t.splitAndPropagate(parent)
}

func (t *Tree) findChildIdx(parent *node, childPageNo int64) int {
	for i := 0; i < parent.numKeys(); i++ {
		if parent.childAt(i) == childPageNo {
			return i
		}
	}
	panic("bplustree: child not found in parent")
}

// DeleteEntry removes key from the tree, rebalancing via redistribution
// or coalescing as needed.
func (t *Tree) DeleteEntry(key []byte) error {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()

	if t.hdr.RootPageNo == noPage {
		return fmt.Errorf("%w: %v", dberrors.ErrIndexEntryNotFound, key)
	}
	leaf, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}
	idx := t.lowerBoundIdx(leaf, key)
	if idx >= leaf.numKeys() || t.compare(leaf.keyAt(idx), key) != 0 {
		t.releaseNode(leaf, false)
		return fmt.Errorf("%w: %v", dberrors.ErrIndexEntryNotFound, key)
	}
	wasFirst := idx == 0
	t.eraseFromNode(leaf, idx)
	if wasFirst && leaf.numKeys() > 0 {
		if err := t.maintainParent(leaf); err != nil {
			return err
		}
	}
	return t.coalesceOrRedistribute(leaf)
}

// maintainParent propagates a node's new first key up to its ancestors:
// if the node is its parent's leftmost child, the parent's own effective
// first key changed too, so the walk continues to the grandparent; once
// a parent where the node is not the leftmost child is found, only that
// one separator needs updating and the walk stops.
func (t *Tree) maintainParent(n *node) error {
	childPageNo := n.pageNo
	childKey := append([]byte(nil), n.keyAt(0)...)
	parentPageNo := n.parent()

	for parentPageNo != noPage {
		parent, err := t.fetchNode(parentPageNo)
		if err != nil {
			return err
		}
		idx := t.findChildIdx(parent, childPageNo)
		if idx != 0 {
			parent.setKeyAt(idx, childKey)
			return t.releaseNode(parent, true)
		}
		childPageNo = parent.pageNo
		grandParentPageNo := parent.parent()
		if err := t.releaseNode(parent, false); err != nil {
			return err
		}
		parentPageNo = grandParentPageNo
	}
	return nil
}

// coalesceOrRedistribute fixes an under-full node by borrowing from or
// merging with a sibling, recursing toward the root as needed. It always
// releases n.
func (t *Tree) coalesceOrRedistribute(n *node) error {
	if n.pageNo == t.hdr.RootPageNo {
		return t.adjustRoot(n)
	}
	if n.numKeys() >= t.minSize() {
		return t.releaseNode(n, true)
	}

	parent, err := t.fetchNode(n.parent())
	if err != nil {
		t.releaseNode(n, true)
		return err
	}
	idx := t.findChildIdx(parent, n.pageNo)
	var siblingIdx int
	if idx > 0 {
		siblingIdx = idx - 1
	} else {
		siblingIdx = idx + 1
	}
	sibling, err := t.fetchNode(parent.childAt(siblingIdx))
	if err != nil {
		t.releaseNode(n, true)
		t.releaseNode(parent, false)
		return err
	}

	if sibling.numKeys()+n.numKeys() >= 2*t.minSize() {
		if err := t.redistribute(sibling, n, parent, idx, siblingIdx); err != nil {
			return err
		}
		return t.releaseNode(parent, true)
	}
	if err := t.coalesce(sibling, n, parent, idx, siblingIdx); err != nil {
		return err
	}
	return t.coalesceOrRedistribute(parent)
}

// redistribute moves one key/value pair from sibling into n to restore
// the minimum occupancy, preferring the left sibling.
func (t *Tree) redistribute(sibling, n *node, parent *node, idx, siblingIdx int) error {
	if siblingIdx < idx {
		// sibling is to the left: move its last entry to n's front.
		last := sibling.numKeys() - 1
		k, v := sibling.keyAt(last), sibling.ridAt(last)
		t.eraseFromNode(sibling, last)
		t.insertIntoNode(n, 0, k, v)
		if !n.isLeaf() {
			child, err := t.fetchNode(v.PageNo)
			if err == nil {
				child.setParent(n.pageNo)
				t.releaseNode(child, true)
			}
		}
		parent.setKeyAt(idx, n.keyAt(0))
	} else {
		// sibling is to the right: move its first entry to n's end.
		k, v := sibling.keyAt(0), sibling.ridAt(0)
		t.eraseFromNode(sibling, 0)
		t.insertIntoNode(n, n.numKeys(), k, v)
		if !n.isLeaf() {
			child, err := t.fetchNode(v.PageNo)
			if err == nil {
				child.setParent(n.pageNo)
				t.releaseNode(child, true)
			}
		}
		parent.setKeyAt(siblingIdx, sibling.keyAt(0))
	}
	if err := t.releaseNode(sibling, true); err != nil {
		return err
	}
	return t.releaseNode(n, true)
}

// coalesce merges the right node into the left node and erases the
// separator key from the parent. Releases sibling and n.
func (t *Tree) coalesce(sibling, n *node, parent *node, idx, siblingIdx int) error {
	var left, right *node
	var sepIdx int
	if siblingIdx < idx {
		left, right, sepIdx = sibling, n, idx
	} else {
		left, right, sepIdx = n, sibling, siblingIdx
	}

	base := left.numKeys()
	for i := 0; i < right.numKeys(); i++ {
		left.setKeyAt(base+i, right.keyAt(i))
		left.setRidAt(base+i, right.ridAt(i))
		if !left.isLeaf() {
			child, err := t.fetchNode(right.childAt(i))
			if err == nil {
				child.setParent(left.pageNo)
				t.releaseNode(child, true)
			}
		}
	}
	left.setNumKeys(base + right.numKeys())

	if left.isLeaf() {
		left.setNextLeaf(right.nextLeaf())
		if right.nextLeaf() != noPage {
			rn, err := t.fetchNode(right.nextLeaf())
			if err == nil {
				rn.setPrevLeaf(left.pageNo)
				t.releaseNode(rn, true)
			}
		} else {
			t.hdr.LastLeaf = left.pageNo
			t.flushHeader()
		}
	}

	t.eraseFromNode(parent, sepIdx)

	if err := t.releaseNode(left, true); err != nil {
		return err
	}
	return t.releaseNode(right, true)
}

// adjustRoot collapses a root that has shrunk to a single child (internal)
// or become empty (leaf).
func (t *Tree) adjustRoot(root *node) error {
	if !root.isLeaf() && root.numKeys() == 1 {
		newRootPage := root.childAt(0)
		child, err := t.fetchNode(newRootPage)
		if err != nil {
			t.releaseNode(root, true)
			return err
		}
		child.setParent(noPage)
		t.hdr.RootPageNo = newRootPage
		if err := t.flushHeader(); err != nil {
			return err
		}
		t.releaseNode(child, true)
		return t.releaseNode(root, true)
	}
	if root.isLeaf() && root.numKeys() == 0 {
		t.hdr.RootPageNo = noPage
		t.hdr.FirstLeaf = noPage
		t.hdr.LastLeaf = noPage
		if err := t.flushHeader(); err != nil {
			return err
		}
	}
	return t.releaseNode(root, true)
}

// RebuildFromLoad appends (key, rid) to the current last leaf, assuming
// keys are presented in non-decreasing order, splitting once to the right
// on overflow. This produces a tree identical to the equivalent sequence
// of ordered InsertEntry calls without any traversal from the root.
func (t *Tree) RebuildFromLoad(key []byte, rid record.Rid) error {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()

	if t.hdr.RootPageNo == noPage {
		n, err := t.createNode(true)
		if err != nil {
			return err
		}
		n.setKeyAt(0, key)
		n.setRidAt(0, rid)
		n.setNumKeys(1)
		t.hdr.RootPageNo = n.pageNo
		t.hdr.FirstLeaf = n.pageNo
		t.hdr.LastLeaf = n.pageNo
		if err := t.flushHeader(); err != nil {
			return err
		}
		return t.releaseNode(n, true)
	}

	leaf, err := t.fetchNode(t.hdr.LastLeaf)
	if err != nil {
		return err
	}
	t.insertIntoNode(leaf, leaf.numKeys(), key, rid)
	if leaf.numKeys() <= t.maxSize() {
		return t.releaseNode(leaf, true)
	}
	return t.splitAndPropagate(leaf)
}
