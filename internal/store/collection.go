package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Record is what a collection stores: a JSON document with an id and a
// revision stamp that the store fills in on read and write.
type Record[T any] interface {
	RecordID() string
	Rev() int64
	WithRevision(rev int64) T
}

// UpdateFunc computes the next version of a record from the stored one.
// found is false when nothing is stored under the id yet.
type UpdateFunc[T any] func(cur T, found bool) (T, error)

// Collection is a typed view over one document collection.
type Collection[T Record[T]] struct {
	store   *Store
	name    string
	idField string

	afterPut    func(ctx context.Context, tx Tx, rec T) error
	afterDelete func(ctx context.Context, tx Tx, id string) error
	onCommit    func(id string)
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Get returns the record stored under id. A missing record is not an error:
// it returns the zero value and false.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var (
		rec   T
		found bool
	)
	err := c.store.read(ctx, func(tx Tx) error {
		var err error
		rec, found, err = c.get(ctx, tx, id)
		return err
	})
	return rec, found, err
}

func (c *Collection[T]) get(ctx context.Context, tx Tx, id string) (T, bool, error) {
	var zero T
	doc, ok, err := tx.GetDoc(ctx, c.name, id)
	if err != nil || !ok {
		return zero, false, err
	}
	rec, err := c.decode(doc)
	if err != nil {
		return zero, false, err
	}
	return rec, true, nil
}

func (c *Collection[T]) decode(doc Doc) (T, error) {
	var rec T
	if err := json.Unmarshal(doc.Body, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode %s/%s: %w", c.name, doc.ID, err)
	}
	return rec.WithRevision(doc.Revision), nil
}

// All returns every record ordered by id.
func (c *Collection[T]) All(ctx context.Context) ([]T, error) {
	var out []T
	err := c.store.read(ctx, func(tx Tx) error {
		var err error
		out, err = c.all(ctx, tx)
		return err
	})
	return out, err
}

func (c *Collection[T]) all(ctx context.Context, tx Tx) ([]T, error) {
	docs, err := tx.ListDocs(ctx, c.name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		rec, err := c.decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of stored records.
func (c *Collection[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := c.store.read(ctx, func(tx Tx) error {
		var err error
		n, err = tx.CountDocs(ctx, c.name)
		return err
	})
	return n, err
}

// Put stores rec, replacing whatever is stored under its id.
func (c *Collection[T]) Put(ctx context.Context, rec T) (T, error) {
	id := rec.RecordID()
	if id == "" {
		return rec, fmt.Errorf("failed to put into %s: record without id", c.name)
	}
	unlock := c.store.locks.Lock(c.name + "/" + id)
	defer unlock()

	var out T
	err := c.store.write(ctx, func(tx Tx) error {
		var err error
		out, err = c.put(ctx, tx, rec, AnyRevision)
		return err
	})
	if err == nil && c.onCommit != nil {
		c.onCommit(id)
	}
	return out, err
}

// PutTx stores rec inside a caller-owned transaction, replacing whatever is
// stored under its id.
func (c *Collection[T]) PutTx(ctx context.Context, tx Tx, rec T) (T, error) {
	return c.put(ctx, tx, rec, AnyRevision)
}

// ReplaceTx writes back a record read earlier in tx. The write only happens
// if the stored revision is still rec's; a record with revision zero must
// not exist yet. A writer that committed in between yields ErrConflict.
func (c *Collection[T]) ReplaceTx(ctx context.Context, tx Tx, rec T) (T, error) {
	return c.put(ctx, tx, rec, rec.Rev())
}

// GetTx reads a record inside a caller-owned transaction.
func (c *Collection[T]) GetTx(ctx context.Context, tx Tx, id string) (T, bool, error) {
	return c.get(ctx, tx, id)
}

// AllTx lists records inside a caller-owned transaction.
func (c *Collection[T]) AllTx(ctx context.Context, tx Tx) ([]T, error) {
	return c.all(ctx, tx)
}

func (c *Collection[T]) put(ctx context.Context, tx Tx, rec T, expectRev int64) (T, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("failed to encode %s/%s: %w", c.name, rec.RecordID(), err)
	}
	rev, err := tx.PutDoc(ctx, c.name, rec.RecordID(), body, expectRev)
	if err != nil {
		return rec, err
	}
	rec = rec.WithRevision(rev)
	if c.afterPut != nil {
		if err := c.afterPut(ctx, tx, rec); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Update runs a read-merge-write on one record. Writers of the same id in
// this process queue behind each other; a writer in another process is
// detected through the revision and the whole cycle is retried.
func (c *Collection[T]) Update(ctx context.Context, id string, fn UpdateFunc[T]) (T, error) {
	unlock := c.store.locks.Lock(c.name + "/" + id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		rec, err := c.tryUpdate(ctx, id, fn)
		if err == nil {
			if c.onCommit != nil {
				c.onCommit(id)
			}
			return rec, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= c.store.retries {
			return rec, err
		}
		c.store.logger.Debug("retrying update after conflict",
			slog.String("collection", c.name), slog.String("id", id), slog.Int("attempt", attempt+1))

		backoff := time.Duration(attempt+1)*5*time.Millisecond + time.Duration(rand.Int63n(int64(5*time.Millisecond)))
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (c *Collection[T]) tryUpdate(ctx context.Context, id string, fn UpdateFunc[T]) (T, error) {
	var out T
	err := c.store.write(ctx, func(tx Tx) error {
		var err error
		out, err = c.UpdateTx(ctx, tx, id, fn)
		return err
	})
	return out, err
}

// UpdateTx is the read-merge-write of Update inside a caller-owned
// transaction. The write is conditional on the revision read, so a
// concurrent writer fails the transaction with ErrConflict rather than being
// overwritten. It takes no lock; InTx retries the whole transaction.
func (c *Collection[T]) UpdateTx(ctx context.Context, tx Tx, id string, fn UpdateFunc[T]) (T, error) {
	var zero T
	doc, found, err := tx.GetDoc(ctx, c.name, id)
	if err != nil {
		return zero, err
	}
	var cur T
	expectRev := int64(0)
	if found {
		if cur, err = c.decode(doc); err != nil {
			return zero, err
		}
		expectRev = doc.Revision
	}

	next, err := fn(cur, found)
	if err != nil {
		return zero, err
	}
	if next.RecordID() != id {
		return zero, fmt.Errorf("failed to update %s/%s: merge produced id %q", c.name, id, next.RecordID())
	}
	return c.put(ctx, tx, next, expectRev)
}

// Patch replaces the top-level fields present in changes and keeps the rest.
// A missing record is created from the partial.
func (c *Collection[T]) Patch(ctx context.Context, id string, changes map[string]any) (T, error) {
	return c.Update(ctx, id, func(cur T, found bool) (T, error) {
		fields := map[string]any{}
		if found {
			raw, err := json.Marshal(cur)
			if err != nil {
				return cur, fmt.Errorf("failed to encode %s/%s: %w", c.name, id, err)
			}
			if err := json.Unmarshal(raw, &fields); err != nil {
				return cur, fmt.Errorf("failed to decode %s/%s: %w", c.name, id, err)
			}
		}
		for k, v := range changes {
			fields[k] = v
		}
		fields[c.idField] = id

		raw, err := json.Marshal(fields)
		if err != nil {
			return cur, fmt.Errorf("failed to encode changes for %s/%s: %w", c.name, id, err)
		}
		var next T
		if err := json.Unmarshal(raw, &next); err != nil {
			return cur, fmt.Errorf("failed to apply changes to %s/%s: %w", c.name, id, err)
		}
		return next, nil
	})
}

// BulkAdd upserts many records in one transaction.
func (c *Collection[T]) BulkAdd(ctx context.Context, recs []T) (int, error) {
	err := c.store.write(ctx, func(tx Tx) error {
		for _, rec := range recs {
			if rec.RecordID() == "" {
				return fmt.Errorf("failed to add to %s: record without id", c.name)
			}
			if _, err := c.put(ctx, tx, rec, AnyRevision); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if c.onCommit != nil {
		for _, rec := range recs {
			c.onCommit(rec.RecordID())
		}
	}
	return len(recs), nil
}

// Delete removes the record stored under id and reports whether it existed.
func (c *Collection[T]) Delete(ctx context.Context, id string) (bool, error) {
	unlock := c.store.locks.Lock(c.name + "/" + id)
	defer unlock()

	var deleted bool
	err := c.store.write(ctx, func(tx Tx) error {
		var err error
		if deleted, err = tx.DeleteDoc(ctx, c.name, id); err != nil {
			return err
		}
		if c.afterDelete != nil {
			return c.afterDelete(ctx, tx, id)
		}
		return nil
	})
	if err == nil && c.onCommit != nil {
		c.onCommit(id)
	}
	return deleted, err
}
