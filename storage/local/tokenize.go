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
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

const (
	// MaxTextLen bounds the text considered for indexing.
	MaxTextLen = 8192

	// MaxLookupTextLen bounds the text considered for identification, a
	// separate, larger limit since lookups read but never grow the index.
	MaxLookupTextLen = 10204
)

// Token is a word-like segment of the original text, recorded as a byte
// offset and length so callers can re-slice the source buffer instead of
// copying substrings around.
type Token struct {
	Start uint32
	Len   uint32
}

// Tokenize splits text into word tokens using Unicode UAX #29 word-boundary
// segmentation, keeping only segments that contain at least one letter or
// digit (discarding whitespace, punctuation, and symbol-only segments). At
// most limit bytes of text are considered; a limit of 0 or less means no
// limit beyond len(text).
func Tokenize(text []byte, limit int) []Token {
	if limit > 0 && limit < len(text) {
		text = text[:limit]
	}

	var tokens []Token
	state := -1
	pos := 0
	remaining := text
	for len(remaining) > 0 {
		segment, rest, newState := uniseg.FirstWord(remaining, state)
		if isWordSegment(segment) {
			tokens = append(tokens, Token{
				Start: uint32(pos),
				Len:   uint32(len(segment)),
			})
		}
		pos += len(segment)
		remaining = rest
		state = newState
	}
	return tokens
}

// isWordSegment reports whether seg contains at least one letter or digit
// rune, the criterion the original tokenizer used to distinguish words from
// the whitespace and punctuation runs a word-break iterator also yields.
func isWordSegment(seg []byte) bool {
	for len(seg) > 0 {
		r, size := utf8.DecodeRune(seg)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
		seg = seg[size:]
	}
	return false
}
