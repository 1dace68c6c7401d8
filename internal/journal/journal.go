/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Transfer journal: durable progress tracking for reads and writes
 */

// Package journal implements the "Journal storage" collaborator of
// spec.md §6: begin-read, begin-write, update-progress, fail,
// complete, load-resumables and clear-stale-temps, backed by bbolt
// (spec.md §5's "single SQLite-like store with a single writer;
// readers are permitted" — bbolt's own single-writer-transaction
// guarantee gives us this for free, the same way internal/policy's
// LearnedStore uses it). The temp-then-rename completion pattern is
// grounded in devstate.go's atomic state-file rewrite (write temp,
// fsync, rename).
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/alexpevzner/mtpgo/internal/mtptypes"
)

var transfersBucket = []byte("transfers")

// Store is the bbolt-backed transfer journal. Not safe for concurrent
// use from multiple processes against the same file — bbolt itself
// enforces this with an flock; concurrent goroutines within one
// process are safe, serialized by bbolt's own transaction semantics.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the transfers bucket in db.
func Open(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("journal: opening transfers bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// key is the bucket key for one (device, handle, kind) transfer slot,
// matching spec.md §3's TransferRecord identity.
func key(deviceID string, handle uint32, kind mtptypes.TransferKind) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", deviceID, handle, kind))
}

func (s *Store) get(k []byte) (*mtptypes.TransferRecord, error) {
	var rec *mtptypes.TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(transfersBucket).Get(k)
		if raw == nil {
			return nil
		}
		var r mtptypes.TransferRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

func (s *Store) put(rec *mtptypes.TransferRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(transfersBucket).Put(key(rec.DeviceID, rec.Handle, rec.Kind), raw)
	})
}

// BeginRead opens or resumes a read transfer. If a prior record exists
// for (deviceID, handle) in Active or Paused state and its ETag
// matches etag, it is returned unchanged with resumed=true (spec.md
// §4.5 step 3: "resume from committed-bytes"); otherwise a fresh
// record is created at CommittedBytes=0 (a mismatch "forces a restart
// from offset 0", spec.md §4.5's ETag semantics paragraph).
func (s *Store) BeginRead(deviceID string, handle, parent uint32, name string, total uint64, etag mtptypes.ETag, tempPath, finalPath string) (*mtptypes.TransferRecord, bool, error) {
	k := key(deviceID, handle, mtptypes.TransferRead)
	existing, err := s.get(k)
	if err != nil {
		return nil, false, err
	}

	if existing != nil &&
		(existing.State == mtptypes.TransferActive || existing.State == mtptypes.TransferPaused) &&
		existing.ETag.Size == etag.Size && existing.ETag.MTime.Equal(etag.MTime) {
		return existing, true, nil
	}

	rec := &mtptypes.TransferRecord{
		ID:         k2id(k),
		DeviceID:   deviceID,
		Kind:       mtptypes.TransferRead,
		Handle:     handle,
		Parent:     parent,
		Name:       name,
		TotalBytes: total,
		TempPath:   tempPath,
		FinalPath:  finalPath,
		State:      mtptypes.TransferActive,
		UpdatedAt:  time.Now(),
		ETag:       etag,
	}
	if err := s.put(rec); err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// BeginWrite opens a fresh write transfer. Writes are never resumed
// (spec.md §4.5's idempotence paragraph: "writes are not idempotent; a
// partially written object remains on the device if a write fails
// mid-stream"), so BeginWrite always starts a new record at
// CommittedBytes=0 regardless of any prior record for the same slot.
func (s *Store) BeginWrite(deviceID string, parent uint32, name string, total uint64, supportsPartial bool, tempPath string) (*mtptypes.TransferRecord, error) {
	// Writes have no device handle until SendObjectInfo returns one;
	// the caller updates Handle via UpdateHandle once known.
	k := key(deviceID, 0, mtptypes.TransferWrite)
	rec := &mtptypes.TransferRecord{
		ID:              k2id(k),
		DeviceID:        deviceID,
		Kind:            mtptypes.TransferWrite,
		Parent:          parent,
		Name:            name,
		TotalBytes:      total,
		SupportsPartial: supportsPartial,
		TempPath:        tempPath,
		State:           mtptypes.TransferActive,
		UpdatedAt:       time.Now(),
	}
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateHandle records the device-assigned object handle once
// SendObjectInfo returns one, re-keying the record from the
// placeholder handle 0 used at BeginWrite time.
func (s *Store) UpdateHandle(deviceID string, handle uint32) error {
	oldKey := key(deviceID, 0, mtptypes.TransferWrite)
	rec, err := s.get(oldKey)
	if err != nil || rec == nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		if err := b.Delete(oldKey); err != nil {
			return err
		}
		rec.Handle = handle
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key(deviceID, handle, mtptypes.TransferWrite), raw)
	})
}

// UpdateProgress advances committed-bytes for an active transfer,
// persisted as an atomic bbolt update (spec.md §4.5 step 4: "update
// committed-bytes in the journal after each successful chunk").
func (s *Store) UpdateProgress(deviceID string, handle uint32, kind mtptypes.TransferKind, committed uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		k := key(deviceID, handle, kind)
		raw := b.Get(k)
		if raw == nil {
			return fmt.Errorf("journal: no record for update-progress")
		}
		var rec mtptypes.TransferRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.CommittedBytes = committed
		rec.UpdatedAt = time.Now()
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(k, out)
	})
}

// Fail marks a transfer Failed. Per spec.md §7's propagation policy,
// a transport failure on a non-first chunk of a read leaves the
// journal Active instead (resumable) — callers should only call Fail
// for failures on the first chunk, or for writes (never resumable).
func (s *Store) Fail(deviceID string, handle uint32, kind mtptypes.TransferKind, lastErr string) error {
	return s.transition(deviceID, handle, kind, mtptypes.TransferFailed, lastErr)
}

// Complete marks a transfer Done. For reads, callers must call
// AtomicRename first so the final path is valid before the journal
// record is marked complete (spec.md §4.5 step 5).
func (s *Store) Complete(deviceID string, handle uint32, kind mtptypes.TransferKind) error {
	return s.transition(deviceID, handle, kind, mtptypes.TransferDone, "")
}

func (s *Store) transition(deviceID string, handle uint32, kind mtptypes.TransferKind, state mtptypes.TransferState, lastErr string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		k := key(deviceID, handle, kind)
		raw := b.Get(k)
		if raw == nil {
			return fmt.Errorf("journal: no record to transition")
		}
		var rec mtptypes.TransferRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.State = state
		rec.LastError = lastErr
		rec.UpdatedAt = time.Now()
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(k, out)
	})
}

// LoadResumables returns every Active or Paused record for deviceID,
// the candidates a fresh read() call should consider resuming
// (spec.md §4.5 step 3).
func (s *Store) LoadResumables(deviceID string) ([]mtptypes.TransferRecord, error) {
	var out []mtptypes.TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(transfersBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec mtptypes.TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.DeviceID != deviceID {
				continue
			}
			if rec.State == mtptypes.TransferActive || rec.State == mtptypes.TransferPaused {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// ClearStaleTemps removes the temp file and journal record of every
// Failed or Done transfer for deviceID: a finished transfer's temp
// file is either already renamed away (reads) or permanently
// abandoned (writes), so nothing should still reference it. Returns
// the count cleared.
func (s *Store) ClearStaleTemps(deviceID string) (int, error) {
	var toDelete [][]byte
	var tempPaths []string

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(transfersBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec mtptypes.TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.DeviceID != deviceID {
				continue
			}
			if rec.State == mtptypes.TransferFailed || rec.State == mtptypes.TransferDone {
				toDelete = append(toDelete, append([]byte(nil), k...))
				if rec.TempPath != "" {
					tempPaths = append(tempPaths, rec.TempPath)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, p := range tempPaths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return 0, err
		}
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

// AtomicRename implements spec.md §4.5 step 5's "atomically rename
// temp-path → final-path", grounded in devstate.go's own
// write-temp-then-rename persistence pattern: since both paths must
// live on the same filesystem (the caller places the temp file
// alongside the final path), os.Rename is already atomic on every
// platform this module targets.
func AtomicRename(tempPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}
	return os.Rename(tempPath, finalPath)
}

func k2id(k []byte) string { return string(k) }
