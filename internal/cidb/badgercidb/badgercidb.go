// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package badgercidb implements cidb.DB in an embedded badger key-value
// store, for single-host deployments without a SQL server.
package badgercidb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/clactions"
)

// Key layout:
//
//	a/<source>/<number>/<id>  JSON action
//	b/<id>                    JSON build
//
// Numbers are zero padded so that lexicographic order is numeric order.
const (
	actionPrefix = "a/"
	buildPrefix  = "b/"
)

func changePrefix(source changelist.Source, number int64) []byte {
	return []byte(fmt.Sprintf("%s%d/%020d/", actionPrefix, source, number))
}

func actionKey(a clactions.Action) []byte {
	return append(changePrefix(a.Change.Source, a.Change.Number), fmt.Sprintf("%020d", a.ID)...)
}

func buildKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", buildPrefix, id))
}

// DB is a badger backed cidb.DB. Its time is the context clock.
type DB struct {
	db *badger.DB

	// mu serializes writers so IDs are assigned in commit order.
	mu        sync.Mutex
	actionSeq *badger.Sequence
	buildSeq  *badger.Sequence
}

var _ cidb.DB = (*DB)(nil)

// Open opens the store in dir. An empty dir opens an in-memory store.
func Open(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open badger at %q", dir).Err()
	}
	d := &DB{db: db}
	if d.actionSeq, err = db.GetSequence([]byte("seq/action"), 100); err == nil {
		d.buildSeq, err = db.GetSequence([]byte("seq/build"), 10)
	}
	if err != nil {
		db.Close()
		return nil, errors.Annotate(err, "failed to create sequences").Err()
	}
	return d, nil
}

// Close implements cidb.DB.
func (d *DB) Close() error {
	d.actionSeq.Release()
	d.buildSeq.Release()
	return d.db.Close()
}

// nextID returns the next ID, starting at 1.
func nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, errors.Annotate(err, "failed to allocate ID").Tag(transient.Tag).Err()
	}
	return int64(n) + 1, nil
}

// GetTime implements cidb.DB.
func (d *DB) GetTime(ctx context.Context) (time.Time, error) {
	return clock.Now(ctx).UTC(), nil
}

// GetActionsForChanges implements cidb.DB.
func (d *DB) GetActionsForChanges(ctx context.Context, changes []changelist.Key) (clactions.History, error) {
	seen := cidb.ChangeFilter{}
	var out clactions.History
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for _, k := range changes {
			dep := changelist.Dep{Source: k.Source, Number: k.Number}
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			prefix := changePrefix(k.Source, k.Number)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var a clactions.Action
				if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
					return err
				}
				out = append(out, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "failed to read CL actions").Tag(transient.Tag).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertCLActions implements cidb.DB.
func (d *DB) InsertCLActions(ctx context.Context, buildID int64, actions []clactions.Action) error {
	if err := cidb.ValidateActions(actions); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := clock.Now(ctx).UTC()
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, a := range actions {
		var err error
		if a.ID, err = nextID(d.actionSeq); err != nil {
			return err
		}
		a.BuildID = buildID
		a.Timestamp = now
		v, err := json.Marshal(a)
		if err != nil {
			return errors.Annotate(err, "failed to marshal action").Err()
		}
		if err := wb.Set(actionKey(a), v); err != nil {
			return errors.Annotate(err, "failed to write action").Tag(transient.Tag).Err()
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.Annotate(err, "failed to commit CL actions").Tag(transient.Tag).Err()
	}
	return nil
}

func getBuild(txn *badger.Txn, id int64) (*cidb.BuildStatus, error) {
	item, err := txn.Get(buildKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, errors.Annotate(cidb.ErrNotFound, "build %d", id).Err()
	}
	if err != nil {
		return nil, errors.Annotate(err, "failed to read build %d", id).Tag(transient.Tag).Err()
	}
	b := &cidb.BuildStatus{}
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, b) }); err != nil {
		return nil, errors.Annotate(err, "failed to decode build %d", id).Err()
	}
	return b, nil
}

func putBuild(txn *badger.Txn, b *cidb.BuildStatus) error {
	v, err := json.Marshal(b)
	if err != nil {
		return errors.Annotate(err, "failed to marshal build").Err()
	}
	return txn.Set(buildKey(b.ID), v)
}

// GetBuildStatus implements cidb.DB.
func (d *DB) GetBuildStatus(ctx context.Context, buildID int64) (b *cidb.BuildStatus, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		b, err = getBuild(txn, buildID)
		return err
	})
	return
}

// GetBuildStatuses implements cidb.DB.
func (d *DB) GetBuildStatuses(ctx context.Context, buildIDs []int64) ([]*cidb.BuildStatus, error) {
	var out []*cidb.BuildStatus
	err := d.db.View(func(txn *badger.Txn) error {
		for _, id := range buildIDs {
			switch b, err := getBuild(txn, id); {
			case errors.Is(err, cidb.ErrNotFound):
			case err != nil:
				return err
			default:
				out = append(out, b)
			}
		}
		return nil
	})
	return out, err
}

// GetBuildHistory implements cidb.DB.
func (d *DB) GetBuildHistory(ctx context.Context, config string, limit int, ignoreID int64) ([]*cidb.BuildStatus, error) {
	var out []*cidb.BuildStatus
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(buildPrefix)
		// In reverse mode Seek finds the largest key <= the argument.
		for it.Seek(append(append([]byte(nil), prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			b := &cidb.BuildStatus{}
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, b) }); err != nil {
				return err
			}
			if b.Config != config || b.ID == ignoreID {
				continue
			}
			out = append(out, b)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "failed to read build history").Tag(transient.Tag).Err()
	}
	return out, nil
}

// InsertBuild implements cidb.DB.
func (d *DB) InsertBuild(ctx context.Context, b *cidb.BuildStatus) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := nextID(d.buildSeq)
	if err != nil {
		return 0, err
	}
	cpy := *b
	cpy.ID = id
	if cpy.Status == "" {
		cpy.Status = cidb.StatusInflight
	}
	if cpy.StartTime.IsZero() {
		cpy.StartTime = clock.Now(ctx).UTC()
	}
	if err := d.db.Update(func(txn *badger.Txn) error { return putBuild(txn, &cpy) }); err != nil {
		return 0, errors.Annotate(err, "failed to insert build").Tag(transient.Tag).Err()
	}
	return id, nil
}

func (d *DB) updateBuild(buildID int64, cb func(b *cidb.BuildStatus)) error {
	return d.db.Update(func(txn *badger.Txn) error {
		b, err := getBuild(txn, buildID)
		if err != nil {
			return err
		}
		cb(b)
		return putBuild(txn, b)
	})
}

// UpdateBuildVersion implements cidb.DB.
func (d *DB) UpdateBuildVersion(ctx context.Context, buildID int64, platformVersion, fullVersion string) error {
	return d.updateBuild(buildID, func(b *cidb.BuildStatus) {
		b.PlatformVersion = platformVersion
		b.FullVersion = fullVersion
	})
}

// ExtendDeadline implements cidb.DB.
func (d *DB) ExtendDeadline(ctx context.Context, buildID int64, timeout time.Duration) error {
	deadline := clock.Now(ctx).UTC().Add(timeout)
	return d.updateBuild(buildID, func(b *cidb.BuildStatus) {
		if deadline.After(b.Deadline) {
			b.Deadline = deadline
		}
	})
}
