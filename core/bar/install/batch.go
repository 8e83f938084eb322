package install

import (
	"context"
	"fmt"
	"strings"

	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/box"
	"github.com/google/uuid"
)

// bulkBatch accumulates records of one Data-Collection. Keys are unique per
// batch; a rejected item keeps its key reserved so no later item reuses it.
type bulkBatch struct {
	size  int
	items []*box.BulkItem
	paths []string
	keys  map[string]struct{}
}

func newBulkBatch(size int) *bulkBatch {
	if size <= 0 {
		size = 1
	}
	return &bulkBatch{size: size, keys: make(map[string]struct{})}
}

func (b *bulkBatch) empty() bool { return len(b.items) == 0 }

func (b *bulkBatch) full() bool { return len(b.items) >= b.size }

func newRecordKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// add queues one record. decodeErr marks an item that failed before the
// write; it is reported at flush time with the others.
func (b *bulkBatch) add(path, recordSet string, rec box.Record, decodeErr error) {
	item := &box.BulkItem{RecordSet: recordSet, Record: rec}
	if rec == nil {
		item.Record = box.Record{}
	}
	id, _ := item.Record[box.IDField].(string)
	if id == "" {
		id = newRecordKey()
		item.Record[box.IDField] = id
	}
	key := recordSet + ":" + id
	switch {
	case decodeErr != nil:
		item.Err = barerr.Wrap(barerr.DocumentFormat, path, decodeErr)
	case b.reserved(key):
		item.Err = barerr.New(barerr.DuplicateKey, path, "key %s repeated in batch", id)
	}
	b.keys[key] = struct{}{}
	b.items = append(b.items, item)
	b.paths = append(b.paths, path)
}

func (b *bulkBatch) reserved(key string) bool {
	_, ok := b.keys[key]
	return ok
}

// flush writes every clean item and returns the per-item errors in batch
// order. The batch is empty afterwards.
func (b *bulkBatch) flush(ctx context.Context, store box.EntityStore) ([]error, error) {
	items, paths := b.items, b.paths
	b.items, b.paths = nil, nil
	b.keys = make(map[string]struct{})
	if len(items) == 0 {
		return nil, nil
	}
	if err := store.BulkCreateRecords(ctx, items); err != nil {
		return nil, fmt.Errorf("bulk create %d records: %w", len(items), err)
	}
	var errs []error
	for i, item := range items {
		if item.Err == nil {
			continue
		}
		errs = append(errs, storeError(paths[i], item.Err))
	}
	return errs, nil
}
