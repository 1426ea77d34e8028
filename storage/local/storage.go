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

// Package local implements the text fingerprint identification service: a
// tokenizer, an n-gram fingerprint extractor, a bit-packed hash index, and a
// checkpointer that persists it, all bound together by Storage.
package local

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrtcode/fingerprint-db/storage/local/index"
)

const (
	namespace = "fingerprintdb"
	subsystem = "index"

	// MaxID is the largest document id the slot encoding's 27-bit id
	// field can hold.
	MaxID = 1<<27 - 1
)

// IndexItem is one document submitted to IndexBatch.
type IndexItem struct {
	ID   uint32
	Text []byte
}

// Result is one document match returned by Identify: ID is the document id
// and Count is the number of distinct query fingerprints that resolved to
// it, saturating at 255.
type Result struct {
	ID    uint32
	Count uint8
}

// Storage binds the in-memory hash index, its persister, and the background
// checkpointer under a single reader/writer lock. All index reads (Identify,
// Stats) take the read lock; all index writes (IndexBatch) and the
// checkpointer's dirty-row collection take the write lock. There is no
// finer-grained locking anywhere in this package: the whole table is one
// critical section, by design.
type Storage struct {
	mu  sync.RWMutex
	idx *index.Index

	persister    Persister
	checkpointer *checkpointer

	indexedDocuments prometheus.Counter
	insertTotal      *prometheus.CounterVec
	usedBuckets      prometheus.Gauge
	totalSlots       prometheus.Gauge
	maxSlots         prometheus.Gauge
	identifyDuration prometheus.Summary
}

// Options configures a Storage instance. Zero values fall back to the
// defaults described in SPEC_FULL.md §4.4 and §4.3.
type Options struct {
	// StorageRoot is the directory holding the persisted hash table. The
	// database file within it is named hashtable.db.
	StorageRoot string

	// CheckpointDebounce overrides how long the index must go without a
	// write before the checkpointer flushes it. Zero means 2s.
	CheckpointDebounce time.Duration

	// CheckpointInterval overrides how often the checkpointer polls for
	// quiescence. Zero means 10ms.
	CheckpointInterval time.Duration

	// DirtySweepRows overrides the number of dirty rows CollectDirty
	// collects per call. Zero means CopyRowsLen (100,000).
	DirtySweepRows int
}

// NewStorage opens (or creates) the persisted hash table under opts, loads
// it into memory, and returns a Storage ready for Start. It is utterly
// goroutine-unsafe, like the teacher's newMemorySeriesStorage: call it once,
// before any concurrent access begins.
func NewStorage(opts Options) (*Storage, error) {
	dbPath := filepath.Join(opts.StorageRoot, "hashtable.db")
	persister, err := newSQLitePersister(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening persister: %w", err)
	}

	idx := index.New()
	idx.SetDirtySweepRows(opts.DirtySweepRows)
	if err := loadSnapshot(idx, persister); err != nil {
		persister.Close()
		return nil, err
	}

	s := &Storage{
		idx:       idx,
		persister: persister,

		indexedDocuments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_documents_total",
			Help:      "Total number of documents with a valid id processed by IndexBatch.",
		}),
		insertTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "insert_total",
			Help:      "Total number of fingerprint insert attempts, by result.",
		}, []string{"result"}),
		usedBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "used_buckets",
			Help:      "Number of buckets with at least one slot occupied.",
		}),
		totalSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "total_slots",
			Help:      "Total number of occupied slots across the table.",
		}),
		maxSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "max_slots",
			Help:      "Largest number of slots occupied in any single bucket.",
		}),
		identifyDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "identify_duration_microseconds",
			Help:      "Quantiles for Identify call latencies in microseconds.",
		}),
	}

	checkpointDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checkpoint_duration_milliseconds",
		Help:      "The duration (in milliseconds) the last checkpoint flush took.",
	})
	s.checkpointer = newCheckpointer(s.collectDirty, persister, checkpointDuration)
	if opts.CheckpointDebounce > 0 {
		s.checkpointer.debounce = opts.CheckpointDebounce
	}
	if opts.CheckpointInterval > 0 {
		s.checkpointer.pollInterval = opts.CheckpointInterval
	}

	return s, nil
}

// Start begins the background checkpointer. Call once, after NewStorage.
func (s *Storage) Start() {
	s.checkpointer.start()
}

// Stop signals the checkpointer to perform a final, unconditional flush and
// closes the persister. No further calls to IndexBatch or Identify should be
// made once Stop returns.
func (s *Storage) Stop() error {
	s.checkpointer.stop()
	return s.persister.Close()
}

// Describe implements prometheus.Collector.
func (s *Storage) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.indexedDocuments.Desc()
	s.insertTotal.Describe(ch)
	ch <- s.usedBuckets.Desc()
	ch <- s.totalSlots.Desc()
	ch <- s.maxSlots.Desc()
	s.identifyDuration.Describe(ch)
	ch <- s.checkpointer.checkpointDuration.Desc()
}

// Collect implements prometheus.Collector.
func (s *Storage) Collect(ch chan<- prometheus.Metric) {
	st := s.Stats()
	s.usedBuckets.Set(float64(st.UsedBuckets))
	s.totalSlots.Set(float64(st.TotalSlots))
	s.maxSlots.Set(float64(st.MaxSlots))

	ch <- s.indexedDocuments
	s.insertTotal.Collect(ch)
	ch <- s.usedBuckets
	ch <- s.totalSlots
	ch <- s.maxSlots
	s.identifyDuration.Collect(ch)
	ch <- s.checkpointer.checkpointDuration
}

// IndexBatch tokenizes, fingerprints, and inserts every item, under a single
// write-lock critical section. A document id of 0 or greater than MaxID is
// silently skipped (that one document only, the rest of the batch still
// indexes); oversized text is silently truncated to MaxTextLen before
// tokenization, not rejected. Documents whose text produces no usable
// fingerprints are still counted as indexed; a document id whose bucket row
// is already full is skipped for that fingerprint only (see
// index.Index.Insert) and counted in the insert_total metric with
// result="rejected_full".
func (s *Storage) IndexBatch(items []IndexItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		s.indexTextLocked(item.ID, item.Text)
	}
	s.checkpointer.touch()
	return nil
}

func (s *Storage) indexTextLocked(docID uint32, text []byte) {
	if docID == 0 || docID > MaxID {
		return
	}

	tokens := Tokenize(text, MaxTextLen)
	fingerprints := goodSequences(s.idx, text, tokens)

	s.indexedDocuments.Inc()
	for _, fp := range fingerprints {
		if s.idx.Insert(fp, docID) {
			s.insertTotal.WithLabelValues("ok").Inc()
		} else {
			s.insertTotal.WithLabelValues("rejected_full").Inc()
		}
	}
}

// Identify tokenizes text, computes every n-gram fingerprint in it, looks
// each novel one up in the index, and tallies how many distinct fingerprints
// resolve to each document id. Results are sorted descending by count. The
// wall-clock time the lookup took is returned alongside.
//
// Every window with i+NgramLen<=len(tokens) is considered, unlike
// goodSequences' stride-sampled subset. The original implementation's window
// loop read one n-gram past this point, into uninitialized memory: an
// artifact of its fixed-size C token array that a bounds-checked Go slice
// cannot, and should not, reproduce. See SPEC_FULL.md §9.
func (s *Storage) Identify(text []byte) (time.Duration, []Result) {
	if len(text) > MaxLookupTextLen {
		text = text[:MaxLookupTextLen]
	}

	begin := time.Now()
	s.mu.RLock()
	results := s.identifyLocked(text)
	s.mu.RUnlock()
	elapsed := time.Since(begin)

	s.identifyDuration.Observe(float64(elapsed) / float64(time.Microsecond))
	return elapsed, results
}

func (s *Storage) identifyLocked(text []byte) []Result {
	tokens := Tokenize(text, MaxLookupTextLen)
	if len(tokens) < NgramLen {
		return nil
	}

	seenFingerprints := make(map[uint64]struct{})
	counts := make(map[uint32]uint8)
	var order []uint32
	for i := 0; i+NgramLen <= len(tokens); i++ {
		fp := ngramHash(text, tokens, i)
		if _, dup := seenFingerprints[fp]; dup {
			continue
		}
		seenFingerprints[fp] = struct{}{}

		docID := s.idx.Lookup(fp)
		if docID == 0 {
			continue
		}
		if _, known := counts[docID]; !known {
			order = append(order, docID)
		}
		if counts[docID] < 255 {
			counts[docID]++
		}
	}

	results := make([]Result, len(order))
	for i, docID := range order {
		results[i] = Result{ID: docID, Count: counts[docID]}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Count > results[j].Count
	})
	return results
}

// Stats reports current hash table occupancy.
func (s *Storage) Stats() index.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Stats()
}

// collectDirty is the checkpointer's window into the index: it takes the
// full write lock for exactly as long as Index.CollectDirty needs to copy
// dirty rows into caller-owned byte slices, then releases it before the
// checkpointer does any I/O.
func (s *Storage) collectDirty(cursor uint32) ([]index.CopyRow, uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, newCursor, exhausted := s.idx.CollectDirty(cursor)
	if len(rows) > 0 {
		glog.V(1).Infof("collected %d dirty rows for checkpointing", len(rows))
	}
	return rows, newCursor, exhausted
}
