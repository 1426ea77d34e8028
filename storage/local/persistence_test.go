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
	"path/filepath"
	"sync"
	"testing"

	"github.com/mrtcode/fingerprint-db/storage/local/index"
)

func TestSQLitePersisterPutIterateRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hashtable.db")
	p, err := newSQLitePersister(dbPath)
	if err != nil {
		t.Fatalf("newSQLitePersister: %v", err)
	}
	defer p.Close()

	batch, err := p.BeginBatch()
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	want := map[uint32][]byte{
		3:   {1, 2, 3, 4, 5, 6},
		100: {9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9},
	}
	for bucket, data := range want {
		if err := batch.Put(bucket, data); err != nil {
			t.Fatalf("Put(%d): %v", bucket, err)
		}
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := make(map[uint32][]byte)
	err = p.Iterate(func(bucket uint32, data []byte) error {
		got[bucket] = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for bucket, data := range want {
		if string(got[bucket]) != string(data) {
			t.Errorf("bucket %d = %v, want %v", bucket, got[bucket], data)
		}
	}
}

func TestSQLitePersisterUpsertReplaces(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hashtable.db")
	p, err := newSQLitePersister(dbPath)
	if err != nil {
		t.Fatalf("newSQLitePersister: %v", err)
	}
	defer p.Close()

	for _, data := range [][]byte{{1, 1, 1, 1, 1, 1}, {2, 2, 2, 2, 2, 2}} {
		batch, err := p.BeginBatch()
		if err != nil {
			t.Fatalf("BeginBatch: %v", err)
		}
		if err := batch.Put(5, data); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := batch.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	var seen int
	err = p.Iterate(func(bucket uint32, data []byte) error {
		seen++
		if string(data) != string([]byte{2, 2, 2, 2, 2, 2}) {
			t.Errorf("expected latest write to win, got %v", data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if seen != 1 {
		t.Errorf("expected exactly 1 row for bucket 5, got %d", seen)
	}
}

func TestLoadSnapshotPopulatesIndex(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hashtable.db")
	p, err := newSQLitePersister(dbPath)
	if err != nil {
		t.Fatalf("newSQLitePersister: %v", err)
	}
	defer p.Close()

	src := index.New()
	fp := uint64(0x1A2B3C4D5) & FingerprintMask
	src.Insert(fp, 55)
	rows, _, _ := src.CollectDirty(0)

	batch, err := p.BeginBatch()
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	for _, row := range rows {
		if err := batch.Put(row.Bucket, row.Bytes); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dst := index.New()
	if err := loadSnapshot(dst, p); err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	if id := dst.Lookup(fp); id != 55 {
		t.Errorf("expected 55 after loadSnapshot, got %d", id)
	}
}

// fakePersister is an in-memory Persister used to test checkpointer behavior
// without touching a real database.
type fakePersister struct {
	mu   sync.Mutex
	rows map[uint32][]byte
}

func newFakePersister() *fakePersister {
	return &fakePersister{rows: make(map[uint32][]byte)}
}

func (f *fakePersister) BeginBatch() (Batch, error) {
	return &fakeBatch{p: f, pending: make(map[uint32][]byte)}, nil
}

func (f *fakePersister) Iterate(fn func(bucket uint32, data []byte) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for bucket, data := range f.rows {
		if err := fn(bucket, data); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakePersister) Close() error { return nil }

type fakeBatch struct {
	p       *fakePersister
	pending map[uint32][]byte
}

func (b *fakeBatch) Put(bucket uint32, data []byte) error {
	b.pending[bucket] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBatch) Commit() error {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	for bucket, data := range b.pending {
		b.p.rows[bucket] = data
	}
	return nil
}

func (b *fakeBatch) Rollback() error {
	b.pending = nil
	return nil
}

func TestCheckpointerFlushCommitsDirtyRows(t *testing.T) {
	idx := index.New()
	idx.Insert(2<<21|1, 10)
	idx.Insert(9<<21|2, 20)

	persister := newFakePersister()
	c := newCheckpointer(func(cursor uint32) ([]index.CopyRow, uint32, bool) {
		return idx.CollectDirty(cursor)
	}, persister, nil)

	c.flush(true)

	if len(persister.rows) != 2 {
		t.Fatalf("expected 2 committed rows, got %d", len(persister.rows))
	}
}

func TestCheckpointerTouchArmsDebounce(t *testing.T) {
	persister := newFakePersister()
	c := newCheckpointer(func(cursor uint32) ([]index.CopyRow, uint32, bool) {
		return nil, cursor, true
	}, persister, nil)

	if c.pendingFlush.Load() {
		t.Error("expected pendingFlush to start false")
	}
	c.touch()
	if !c.pendingFlush.Load() {
		t.Error("expected touch to set pendingFlush")
	}
	if c.lastWrite.Load() == 0 {
		t.Error("expected touch to record lastWrite")
	}
}

func TestCheckpointerStopPerformsFinalFlush(t *testing.T) {
	idx := index.New()
	idx.Insert(4<<21|1, 30)

	persister := newFakePersister()
	c := newCheckpointer(func(cursor uint32) ([]index.CopyRow, uint32, bool) {
		return idx.CollectDirty(cursor)
	}, persister, nil)

	c.start()
	c.stop()

	if len(persister.rows) != 1 {
		t.Errorf("expected final flush to commit 1 row, got %d", len(persister.rows))
	}
}
