// Copyright 2014 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package index provides the bit-packed fingerprint-to-document hash table
// that backs the fingerprint identification service. Unlike the sibling
// LevelDB-backed indexes this package once wrapped, this is a fixed-capacity
// in-memory table addressed directly by the top bits of a 64-bit fingerprint;
// durability is handled one layer up, by a persister that snapshots only the
// rows this package marks dirty.
package index

import "github.com/golang/glog"

const (
	// HashtableSize is the fixed number of buckets (rows) in the table,
	// addressed by the top 24 bits of a fingerprint.
	HashtableSize = 1 << 24 // 16,777,216

	// RowSlotsMax is the maximum number of slots a single bucket may hold.
	RowSlotsMax = 256

	// CopyRowsLen bounds how many dirty rows CollectDirty returns per call.
	CopyRowsLen = 100000

	// bucketShift is the number of low bits of a fingerprint dropped to
	// obtain its bucket index (fingerprint >> bucketShift).
	bucketShift = 21
)

// CopyRow is an opaque snapshot of one bucket's slot bytes, produced by
// CollectDirty for handoff to a persister outside the index's lock.
type CopyRow struct {
	Bucket uint32
	Bytes  []byte
}

// Stats summarizes the occupancy of the table.
type Stats struct {
	UsedBuckets uint32
	TotalSlots  uint64
	MaxSlots    uint16
	Histogram   [RowSlotsMax + 1]uint64
}

// Index is the fixed 2^24-bucket fingerprint table. It is not goroutine-safe
// on its own: callers (the storage orchestrator) are responsible for
// synchronizing access, typically with a single reader/writer lock guarding
// the whole table.
type Index struct {
	slots [][]slot
	dirty []bool

	copyRowsLen int
}

// New returns an Index with all buckets empty, ready to be populated by
// ApplySnapshot (at startup) or Insert.
func New() *Index {
	return &Index{
		slots:       make([][]slot, HashtableSize),
		dirty:       make([]bool, HashtableSize),
		copyRowsLen: CopyRowsLen,
	}
}

// SetDirtySweepRows overrides the per-call row cap CollectDirty uses,
// letting an operator trade checkpoint latency for memory; n <= 0 restores
// the CopyRowsLen default.
func (idx *Index) SetDirtySweepRows(n int) {
	if n <= 0 {
		n = CopyRowsLen
	}
	idx.copyRowsLen = n
}

func bucketFor(fp uint64) uint32 {
	return uint32(fp >> bucketShift)
}

// Lookup returns the document id associated with fingerprint fp, or 0 if
// fp is not indexed (0 is never a valid document id).
func (idx *Index) Lookup(fp uint64) uint32 {
	for _, s := range idx.slots[bucketFor(fp)] {
		if s.matches(fp) {
			return s.docID()
		}
	}
	return 0
}

// Insert appends a new slot for (fp, id) to fp's bucket and marks the bucket
// dirty. It returns false, without mutating the bucket, if the bucket is
// already at RowSlotsMax slots.
func (idx *Index) Insert(fp uint64, id uint32) bool {
	bucket := bucketFor(fp)
	row := idx.slots[bucket]
	if len(row) >= RowSlotsMax {
		glog.Warningf("index: bucket %d has %d slots, refusing insert for document %d", bucket, RowSlotsMax, id)
		return false
	}
	idx.slots[bucket] = append(row, makeSlot(fp, id))
	idx.dirty[bucket] = true
	return true
}

// CollectDirty scans up to the whole table starting at cursor, wrapping at
// HashtableSize, collecting and clearing the dirty flag of up to CopyRowsLen
// rows (or the cap set by SetDirtySweepRows). It returns the collected rows
// (with their slot bytes already copied out, safe to use after the caller
// releases its lock), the cursor to resume from on the next call (always
// below HashtableSize), and whether this call's scan reached all the way
// around the table.
func (idx *Index) CollectDirty(cursor uint32) (rows []CopyRow, newCursor uint32, exhausted bool) {
	var scanned uint32
	for scanned < HashtableSize && len(rows) < idx.copyRowsLen {
		if cursor >= HashtableSize {
			cursor = 0
		}
		if idx.dirty[cursor] {
			idx.dirty[cursor] = false
			rows = append(rows, CopyRow{Bucket: cursor, Bytes: slotsToBytes(idx.slots[cursor])})
		}
		cursor++
		scanned++
	}
	if cursor >= HashtableSize {
		cursor = 0
	}
	return rows, cursor, scanned >= HashtableSize
}

// ApplySnapshot replaces bucket's slot sequence with data, used only by the
// startup loader. Bucket indices out of range are silently ignored; data
// whose length is not a multiple of SlotLen is rejected with a diagnostic and
// the bucket is left untouched.
func (idx *Index) ApplySnapshot(bucket uint32, data []byte) {
	if bucket >= HashtableSize {
		return
	}
	if len(data)%SlotLen != 0 {
		glog.Warningf("index: bucket %d snapshot has %d bytes, not a multiple of %d; skipping", bucket, len(data), SlotLen)
		return
	}
	idx.slots[bucket] = bytesToSlots(data)
}

// Stats reports current occupancy. It is an O(HashtableSize) scan, the same
// cost model the original implementation paid for the equivalent call.
func (idx *Index) Stats() Stats {
	var st Stats
	for _, row := range idx.slots {
		n := len(row)
		if n > 0 {
			st.UsedBuckets++
		}
		st.TotalSlots += uint64(n)
		if n > int(st.MaxSlots) {
			st.MaxSlots = uint16(n)
		}
		st.Histogram[n]++
	}
	return st
}
