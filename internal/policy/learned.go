/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Learned profile store
 */

package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// maxLearnedRecords is the eviction cap of spec.md §4.7 ("At most N
// records (default 1000) are kept").
const maxLearnedRecords = 1000

const (
	expireSinceCreation   = 90 * 24 * time.Hour
	expireSinceInactivity = 30 * 24 * time.Hour
)

var learnedBucket = []byte("learned_profiles")

// LearnedRecord accumulates per-fingerprint performance data across
// sessions (spec.md §4.7).
type LearnedRecord struct {
	FingerprintHash string
	BCDDevice       uint16
	ChunkBytes      int64
	HandshakeTime   time.Duration
	ThroughputP50   float64
	ThroughputP90   float64
	SuccessRate     float64
	SampleCount     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Sample is one session's worth of fresh observations, folded into a
// LearnedRecord by Update.
type Sample struct {
	BCDDevice     uint16
	ChunkBytes    int64
	HandshakeTime time.Duration
	Throughput    float64
	Success       bool
}

// LearnedStore is the bbolt-backed, single-writer persistent store of
// LearnedRecords, grounded in the teacher's devstate.go per-device
// persistent-state pattern (load-then-save-whole-record), generalized
// from one INI file per device to one bolt bucket keyed by
// fingerprint hash inside a caller-supplied *bbolt.DB.
type LearnedStore struct {
	db *bbolt.DB
}

// OpenLearnedStore opens (creating if necessary) the learned-profile
// bucket in db.
func OpenLearnedStore(db *bbolt.DB) (*LearnedStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(learnedBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("policy: opening learned-profile bucket: %w", err)
	}
	return &LearnedStore{db: db}, nil
}

// Get returns the record for fingerprintHash, or nil if none exists,
// has expired (90 days since creation or 30 days since last update),
// or was invalidated by a BCDDevice change.
func (s *LearnedStore) Get(fingerprintHash string, bcdDevice uint16) (*LearnedRecord, error) {
	var rec *LearnedRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(learnedBucket)
		raw := b.Get([]byte(fingerprintHash))
		if raw == nil {
			return nil
		}

		var r LearnedRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	if err != nil || rec == nil {
		return nil, err
	}

	now := time.Now()
	switch {
	case rec.BCDDevice != bcdDevice:
		return nil, nil
	case now.Sub(rec.CreatedAt) > expireSinceCreation:
		return nil, nil
	case now.Sub(rec.UpdatedAt) > expireSinceInactivity:
		return nil, nil
	}

	return rec, nil
}

// Update folds a session Sample into the record for fingerprintHash,
// using an exponentially weighted moving average with alpha =
// 1/sample-count (spec.md §4.7), and persists the result. Update
// always increments SampleCount, even for a zero-value Sample, so it
// does not give Testable Property 9's "empty session changes no field"
// guarantee; Merge does.
func (s *LearnedStore) Update(fingerprintHash string, now time.Time, sample Sample) (*LearnedRecord, error) {
	var out *LearnedRecord

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(learnedBucket)

		var rec LearnedRecord
		if raw := b.Get([]byte(fingerprintHash)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		} else {
			rec = LearnedRecord{FingerprintHash: fingerprintHash, CreatedAt: now}
		}

		rec.BCDDevice = sample.BCDDevice
		rec.SampleCount++
		alpha := 1.0 / float64(rec.SampleCount)

		ewmaI64 := func(old, v int64) int64 {
			return old + int64(alpha*float64(v-old))
		}
		ewmaDur := func(old, v time.Duration) time.Duration {
			return old + time.Duration(alpha*float64(v-old))
		}
		ewmaF := func(old, v float64) float64 {
			return old + alpha*(v-old)
		}

		if sample.ChunkBytes != 0 {
			rec.ChunkBytes = ewmaI64(rec.ChunkBytes, sample.ChunkBytes)
		}
		if sample.HandshakeTime != 0 {
			rec.HandshakeTime = ewmaDur(rec.HandshakeTime, sample.HandshakeTime)
		}
		if sample.Throughput != 0 {
			rec.ThroughputP50 = ewmaF(rec.ThroughputP50, sample.Throughput)
		}

		successVal := 0.0
		if sample.Success {
			successVal = 1.0
		}
		rec.SuccessRate = ewmaF(rec.SuccessRate, successVal)
		rec.UpdatedAt = now

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(fingerprintHash), raw); err != nil {
			return err
		}

		out = &rec
		return evictLRU(b)
	})

	return out, err
}

// Merge is the zero-sample-safe entry point: it returns the stored
// record unchanged (creating it if absent, with SampleCount 0) when
// sample is the zero value, and otherwise behaves like Update. This
// is what Testable Property 9 ("merging a learned record with an
// empty session does not change any field") exercises.
func (s *LearnedStore) Merge(fingerprintHash string, now time.Time, sample Sample) (*LearnedRecord, error) {
	if sample == (Sample{}) {
		var existing *LearnedRecord
		err := s.db.View(func(tx *bbolt.Tx) error {
			raw := tx.Bucket(learnedBucket).Get([]byte(fingerprintHash))
			if raw == nil {
				return nil
			}
			var r LearnedRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				return err
			}
			existing = &r
			return nil
		})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return &LearnedRecord{FingerprintHash: fingerprintHash, CreatedAt: now, UpdatedAt: now}, nil
	}
	return s.Update(fingerprintHash, now, sample)
}

// evictLRU removes the least-recently-updated records once the store
// exceeds maxLearnedRecords, per spec.md §4.7. Must be called with the
// bucket's write transaction already open.
func evictLRU(b *bbolt.Bucket) error {
	type keyTime struct {
		key     []byte
		updated time.Time
	}
	var all []keyTime

	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var r LearnedRecord
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		all = append(all, keyTime{append([]byte(nil), k...), r.UpdatedAt})
	}

	if len(all) <= maxLearnedRecords {
		return nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].updated.Before(all[j].updated) })
	toEvict := len(all) - maxLearnedRecords
	for i := 0; i < toEvict; i++ {
		if err := b.Delete(all[i].key); err != nil {
			return err
		}
	}
	return nil
}
