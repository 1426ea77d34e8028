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

package local

import (
	"github.com/cespare/xxhash/v2"

	"github.com/mrtcode/fingerprint-db/storage/local/index"
)

const (
	// NgramLen is the number of consecutive tokens hashed into one
	// fingerprint.
	NgramLen = 6

	// FingerprintsNum is the maximum number of fingerprints emitted for a
	// single document by goodSequences.
	FingerprintsNum = 10

	// MinWindowBytes and MaxWindowBytes bound the summed byte length of an
	// n-gram window's tokens for it to be considered a candidate; windows outside
	// this band are too short to be distinctive or too long to be cheap
	// to rehash on lookup.
	MinWindowBytes = 10
	MaxWindowBytes = 120

	// FingerprintMask keeps a hash to the low 45 bits the index's bucket
	// and slot encoding were designed around.
	FingerprintMask = 0x1FFFFFFFFFFF
)

// ngramHash hashes the NgramLen tokens starting at tokens[start] and masks
// the result to FingerprintMask. Only the tokens' own bytes feed the hash,
// one XXH64_update per token, in order; any whitespace or punctuation
// between tokens is not part of the hash input.
func ngramHash(text []byte, tokens []Token, start int) uint64 {
	h := xxhash.New()
	for i := start; i < start+NgramLen; i++ {
		tok := tokens[i]
		h.Write(text[tok.Start : tok.Start+tok.Len])
	}
	return h.Sum64() & FingerprintMask
}

// windowBytes returns the summed byte length of the NgramLen tokens starting
// at tokens[start]; the separators between tokens are not counted.
func windowBytes(tokens []Token, start int) int {
	var n int
	for i := start; i < start+NgramLen; i++ {
		n += int(tokens[i].Len)
	}
	return n
}

// goodSequences selects up to FingerprintsNum fingerprints for a document
// being indexed, using the original two-pass candidate/stride selection:
//
// Pass 1 walks every n-gram window start, keeping as a candidate any window
// whose summed token byte length falls within [MinWindowBytes, MaxWindowBytes] and whose
// fingerprint is not already present in idx (a fingerprint already indexed
// belongs to an earlier document and is never reused — first-writer-wins,
// preserved intentionally, see the design notes).
//
// Pass 2 then walks the candidate list at a stride of max(1,
// len(candidates)/FingerprintsNum), re-checking novelty against idx and
// emitting up to FingerprintsNum fingerprints. The re-check is defensive:
// goodSequences inserts nothing into idx itself, so while the caller holds
// the write lock it gives the same answer as pass 1.
//
// The loop bound below is i < len(tokens)-NgramLen, matching the original's
// literal bound; this deliberately does not consider the very last valid
// window (i == len(tokens)-NgramLen), an off-by-one preserved verbatim — see
// SPEC_FULL.md §9.
func goodSequences(idx *index.Index, text []byte, tokens []Token) []uint64 {
	if len(tokens) <= NgramLen {
		return nil
	}

	var candidates []int
	for i := 0; i < len(tokens)-NgramLen; i++ {
		wb := windowBytes(tokens, i)
		if wb < MinWindowBytes || wb > MaxWindowBytes {
			continue
		}
		fp := ngramHash(text, tokens, i)
		if idx.Lookup(fp) != 0 {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return nil
	}

	stride := len(candidates) / FingerprintsNum
	if stride < 1 {
		stride = 1
	}

	var fingerprints []uint64
	for i := 0; i < len(candidates) && len(fingerprints) < FingerprintsNum; i += stride {
		fp := ngramHash(text, tokens, candidates[i])
		if idx.Lookup(fp) != 0 {
			continue
		}
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints
}
