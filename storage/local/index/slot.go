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

package index

import "encoding/binary"

// SlotLen is the fixed on-disk and in-memory size of a slot, in bytes. This
// is a persistence contract: widening it breaks every existing snapshot.
const SlotLen = 6

// fingerprintMask keeps a fingerprint to its low 45 bits.
const fingerprintMask = 0x1FFFFFFFFFFF

// slot is a bit-packed 6-byte record: bytes 0-1 hold the low 16 bits of
// (fingerprint >> 5); bytes 2-5 hold a little-endian word laid out as
// (fingerprint_low5 << 27) | document_id. Together with the row's bucket
// index (the fingerprint's top 24 bits), this fully reconstructs the
// 45-bit fingerprint without ever storing it whole.
type slot [SlotLen]byte

func makeSlot(fp uint64, id uint32) slot {
	var s slot
	binary.LittleEndian.PutUint16(s[0:2], uint16(fp>>5))
	word := (uint32(fp&0x1F) << 27) | id
	binary.LittleEndian.PutUint32(s[2:6], word)
	return s
}

func (s slot) fpMid16() uint16 {
	return binary.LittleEndian.Uint16(s[0:2])
}

func (s slot) word() uint32 {
	return binary.LittleEndian.Uint32(s[2:6])
}

func (s slot) fpLow5() uint32 {
	return s.word() >> 27
}

func (s slot) docID() uint32 {
	return s.word() & 0x07FFFFFF
}

// matches reports whether this slot was produced by the given fingerprint,
// using only the 21 bits discriminated within a bucket. A false positive
// probability of roughly 2^-45 per distinct inserted fingerprint is accepted
// by design; do not widen the slot to "fix" this.
func (s slot) matches(fp uint64) bool {
	return s.fpMid16() == uint16(fp>>5) && s.fpLow5() == uint32(fp&0x1F)
}

func slotsToBytes(slots []slot) []byte {
	b := make([]byte, len(slots)*SlotLen)
	for i, s := range slots {
		copy(b[i*SlotLen:], s[:])
	}
	return b
}

func bytesToSlots(data []byte) []slot {
	n := len(data) / SlotLen
	slots := make([]slot, n)
	for i := 0; i < n; i++ {
		copy(slots[i][:], data[i*SlotLen:(i+1)*SlotLen])
	}
	return slots
}
