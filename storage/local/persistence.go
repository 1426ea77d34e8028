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
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrtcode/fingerprint-db/storage/local/index"
)

// hashFunctionID identifies the hash function used to produce the
// fingerprints stored in a row's slots. It is persisted alongside the row
// bytes so that a future change of hash function cannot be silently misread
// as belonging to the current one; see SPEC_FULL.md §9.
const hashFunctionID = 1

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS hashtable (
		id      INTEGER PRIMARY KEY,
		data    BLOB NOT NULL,
		hash_id INTEGER NOT NULL
	)`
	upsertRowSQL  = `INSERT OR REPLACE INTO hashtable (id, data, hash_id) VALUES (?, ?, ?)`
	iterateRowSQL = `SELECT id, data, hash_id FROM hashtable`
)

// Persister is the durability contract the storage orchestrator relies on:
// a keyed blob store addressed by bucket index, written in batches.
type Persister interface {
	// BeginBatch opens a transaction-scoped batch. Put calls against the
	// returned Batch are not visible to Iterate until Commit succeeds.
	BeginBatch() (Batch, error)

	// Iterate calls fn once for every stored row, in no particular order.
	// It is used only at startup, before any concurrent access begins.
	Iterate(fn func(bucket uint32, data []byte) error) error

	// Close releases any underlying resources.
	Close() error
}

// Batch accumulates row writes for one checkpoint flush.
type Batch interface {
	Put(bucket uint32, data []byte) error
	Commit() error
	Rollback() error
}

// sqlitePersister is the default Persister, backed by an embedded SQLite
// database: a single table keyed by bucket index, each row an opaque slot
// blob tagged with the hash function that produced it.
type sqlitePersister struct {
	db *sql.DB
}

// newSQLitePersister opens (creating if necessary) the SQLite database at
// path and ensures the hashtable schema exists.
func newSQLitePersister(path string) (*sqlitePersister, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating hashtable schema: %w", err)
	}
	return &sqlitePersister{db: db}, nil
}

func (p *sqlitePersister) BeginBatch() (Batch, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	stmt, err := tx.Prepare(upsertRowSQL)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &sqliteBatch{tx: tx, stmt: stmt}, nil
}

func (p *sqlitePersister) Iterate(fn func(bucket uint32, data []byte) error) error {
	rows, err := p.db.Query(iterateRowSQL)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var data []byte
		var hashID int
		if err := rows.Scan(&id, &data, &hashID); err != nil {
			return err
		}
		if hashID != hashFunctionID {
			glog.Warningf("persistence: bucket %d was written with hash function %d, expected %d; skipping", id, hashID, hashFunctionID)
			continue
		}
		if err := fn(uint32(id), data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *sqlitePersister) Close() error {
	return p.db.Close()
}

type sqliteBatch struct {
	tx   *sql.Tx
	stmt *sql.Stmt
}

func (b *sqliteBatch) Put(bucket uint32, data []byte) error {
	_, err := b.stmt.Exec(int64(bucket), data, hashFunctionID)
	return err
}

func (b *sqliteBatch) Commit() error {
	b.stmt.Close()
	return b.tx.Commit()
}

func (b *sqliteBatch) Rollback() error {
	b.stmt.Close()
	return b.tx.Rollback()
}

// loadSnapshot populates idx from every row persister has stored, intended
// to run once at startup before any concurrent access to idx begins. It is
// utterly goroutine-unsafe, like the teacher's loadSeriesMapAndHeads.
func loadSnapshot(idx *index.Index, persister Persister) error {
	begin := time.Now()
	glog.Info("Loading hash index snapshot from persistent storage...")
	var rows int
	err := persister.Iterate(func(bucket uint32, data []byte) error {
		idx.ApplySnapshot(bucket, data)
		rows++
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	glog.Infof("Done loading hash index snapshot (%d rows) in %v.", rows, time.Since(begin))
	return nil
}

// checkpointCollector copies out, under the index's write lock, every row
// mutated since the previous call, and is supplied by the storage
// orchestrator so the checkpointer never has to know about the lock itself.
type checkpointCollector func(cursor uint32) (rows []index.CopyRow, newCursor uint32, exhausted bool)

const (
	checkpointPollInterval = 10 * time.Millisecond
	checkpointDebounce     = 2 * time.Second
)

// checkpointer periodically flushes dirty rows to a Persister. A flush is
// triggered once the index has gone checkpointDebounce without a new write,
// so that a burst of inserts is checkpointed once, not once per insert.
type checkpointer struct {
	collect   checkpointCollector
	persister Persister

	pollInterval time.Duration
	debounce     time.Duration

	lastWrite    atomic.Int64 // UnixNano of the last touch, 0 if none yet.
	pendingFlush atomic.Bool
	cursor       uint32

	done    chan struct{}
	stopped chan struct{}

	checkpointDuration prometheus.Gauge
}

func newCheckpointer(collect checkpointCollector, persister Persister, checkpointDuration prometheus.Gauge) *checkpointer {
	return &checkpointer{
		collect:            collect,
		persister:          persister,
		pollInterval:       checkpointPollInterval,
		debounce:           checkpointDebounce,
		done:               make(chan struct{}),
		stopped:            make(chan struct{}),
		checkpointDuration: checkpointDuration,
	}
}

// touch records that the index was just written to, arming the debounce
// window for the next checkpoint flush.
func (c *checkpointer) touch() {
	c.lastWrite.Store(time.Now().UnixNano())
	c.pendingFlush.Store(true)
}

// start runs the checkpointer's polling loop until stop is called. It must
// be called at most once.
func (c *checkpointer) start() {
	go c.run()
}

func (c *checkpointer) run() {
	defer close(c.stopped)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.flush(true)
			return
		case <-ticker.C:
			if !c.pendingFlush.Load() {
				continue
			}
			quiet := time.Since(time.Unix(0, c.lastWrite.Load()))
			if quiet < c.debounce {
				continue
			}
			c.pendingFlush.Store(false)
			c.flush(false)
		}
	}
}

// flush drains every dirty row from the index and commits it to the
// persister. final is true only for the unconditional flush done as part of
// graceful shutdown.
func (c *checkpointer) flush(final bool) {
	begin := time.Now()
	var total int
	for {
		rows, newCursor, exhausted := c.collect(c.cursor)
		c.cursor = newCursor
		if len(rows) > 0 {
			if err := c.commit(rows); err != nil {
				glog.Errorf("checkpointer: failed to commit %d rows: %v", len(rows), err)
				break
			}
			total += len(rows)
		}
		if exhausted {
			break
		}
	}
	duration := time.Since(begin)
	if c.checkpointDuration != nil {
		c.checkpointDuration.Set(float64(duration) / float64(time.Millisecond))
	}
	if total > 0 || final {
		glog.Infof("Checkpointed %d dirty rows in %v (final=%v).", total, duration, final)
	}
}

func (c *checkpointer) commit(rows []index.CopyRow) error {
	batch, err := c.persister.BeginBatch()
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := batch.Put(row.Bucket, row.Bytes); err != nil {
			batch.Rollback()
			return err
		}
	}
	return batch.Commit()
}

// stop signals the checkpointer to perform one final unconditional flush
// and waits for it to complete.
func (c *checkpointer) stop() {
	close(c.done)
	<-c.stopped
}
