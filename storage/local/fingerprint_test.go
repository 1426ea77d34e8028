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
	"strings"
	"testing"

	"github.com/mrtcode/fingerprint-db/storage/local/index"
)

func TestNgramHashIsDeterministic(t *testing.T) {
	text := []byte("the quick brown fox jumps over the lazy dog")
	tokens := Tokenize(text, 0)
	if len(tokens) < NgramLen {
		t.Fatal("not enough tokens for a single n-gram")
	}
	a := ngramHash(text, tokens, 0)
	b := ngramHash(text, tokens, 0)
	if a != b {
		t.Errorf("ngramHash not deterministic: %x != %x", a, b)
	}
	if a&^uint64(FingerprintMask) != 0 {
		t.Errorf("ngramHash %x has bits set above FingerprintMask", a)
	}
}

func TestNgramHashDiffersAcrossWindows(t *testing.T) {
	text := []byte("alpha bravo charlie delta echo foxtrot golf hotel india juliet")
	tokens := Tokenize(text, 0)
	h0 := ngramHash(text, tokens, 0)
	h1 := ngramHash(text, tokens, 1)
	if h0 == h1 {
		t.Error("expected distinct windows to hash differently (collision is possible but astronomically unlikely here)")
	}
}

func TestGoodSequencesRespectsWindowByteBand(t *testing.T) {
	// A document built entirely of very short words: every 6-token window
	// should fall under MinWindowBytes and be rejected by the byte-length
	// filter, leaving no fingerprints.
	text := []byte(strings.Repeat("a b ", 20))
	tokens := Tokenize(text, 0)
	idx := index.New()
	fps := goodSequences(idx, text, tokens)
	if len(fps) != 0 {
		t.Errorf("expected no fingerprints from all-short-window text, got %d", len(fps))
	}
}

func TestGoodSequencesCapsAtFingerprintsNum(t *testing.T) {
	text := []byte(strings.Repeat("lorem ipsum dolor sit amet consectetur adipiscing elit sed ", 20))
	tokens := Tokenize(text, 0)
	idx := index.New()
	fps := goodSequences(idx, text, tokens)
	if len(fps) > FingerprintsNum {
		t.Errorf("expected at most %d fingerprints, got %d", FingerprintsNum, len(fps))
	}
	if len(fps) == 0 {
		t.Error("expected at least one fingerprint from a long document")
	}
}

func TestGoodSequencesSkipsWindowsAlreadyIndexed(t *testing.T) {
	text := []byte(strings.Repeat("lorem ipsum dolor sit amet consectetur adipiscing elit sed ", 20))
	tokens := Tokenize(text, 0)
	idx := index.New()

	first := goodSequences(idx, text, tokens)
	if len(first) == 0 {
		t.Fatal("expected fingerprints from first pass")
	}
	for _, fp := range first {
		idx.Insert(fp, 1)
	}

	// A second document with identical text must not claim any of the
	// fingerprints the first document already owns: first-writer-wins.
	second := goodSequences(idx, text, tokens)
	for _, fp := range second {
		for _, taken := range first {
			if fp == taken {
				t.Errorf("second pass reused fingerprint %x already owned by document 1", fp)
			}
		}
	}
}

func TestGoodSequencesShortDocumentYieldsNothing(t *testing.T) {
	text := []byte("just four words")
	tokens := Tokenize(text, 0)
	idx := index.New()
	if fps := goodSequences(idx, text, tokens); fps != nil {
		t.Errorf("expected nil for a document shorter than NgramLen, got %v", fps)
	}
}
