/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Identity store: stable per-physical-device UUID
 */

// Package identity implements the "Identity store" collaborator of
// spec.md §2 item 10 / §6: a stable UUID per physical device, derived
// from USB/MTP serial, resolved once at discovery and reused as the
// external key for the journal and higher layers. Backed by bbolt,
// the same storage style as internal/policy's LearnedStore and
// internal/journal's Store.
package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var identityBucket = []byte("identities")

// namespace roots every generated UUID (spec.md §2 item 10), mirroring
// usbcommon.go's UsbDeviceInfo.UUID() SHA1-namespace technique, now
// via the maintained google/uuid encoder instead of a hand-rolled
// RFC4122 v5 byte-packer.
var namespace = uuid.MustParse("b2a1f6b0-4b63-4b8e-9b0a-5f2e9d9c6a11")

// Signals is the set of discovery-time identifying fields a device
// presents. USBSerial may be empty (many devices don't expose one);
// MTPSerial is populated later, after a session is opened, via
// UpdateMTPSerial.
type Signals struct {
	VendorID  uint16
	ProductID uint16
	USBSerial string
	Bus       uint8
	Address   uint8
}

// Record is the durable identity record, keyed by DomainID.
type Record struct {
	DomainID   string
	VendorID   uint16
	ProductID  uint16
	USBSerial  string
	MTPSerial  string
	FirstSeen  time.Time
	LastSeen   time.Time
}

// Store is the bbolt-backed identity store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the identities bucket in db.
func Open(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(identityBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("identity: opening identities bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// ResolveIdentity finds the existing record matching signals'
// {vendor, product, serial} or creates a new one, returning the
// domain-id either way. A device with no USB serial is matched by
// vendor+product+bus+address instead — stable only for the current
// physical port, which is the best this class of device can offer.
func (s *Store) ResolveIdentity(sig Signals) (string, error) {
	key := matchKey(sig)
	id := uuid.NewSHA1(namespace, []byte(key)).String()

	var domainID string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(identityBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.DomainID == id || matchKey(Signals{VendorID: rec.VendorID, ProductID: rec.ProductID, USBSerial: rec.USBSerial}) == key {
				rec.LastSeen = time.Now()
				raw, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := b.Put(k, raw); err != nil {
					return err
				}
				domainID = rec.DomainID
				return nil
			}
		}

		now := time.Now()
		rec := Record{
			DomainID:  id,
			VendorID:  sig.VendorID,
			ProductID: sig.ProductID,
			USBSerial: sig.USBSerial,
			FirstSeen: now,
			LastSeen:  now,
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), raw); err != nil {
			return err
		}
		domainID = id
		return nil
	})
	return domainID, err
}

// matchKey is the lookup key used to find an existing record for a
// given set of signals: vendor+product+serial when a USB serial is
// present, falling back to vendor+product+bus+address otherwise (a
// device with no serial can only be distinguished by its current
// port, so its identity is not stable across re-plugging into a
// different port).
func matchKey(sig Signals) string {
	if sig.USBSerial != "" {
		return fmt.Sprintf("%04x:%04x:%s", sig.VendorID, sig.ProductID, sig.USBSerial)
	}
	return fmt.Sprintf("%04x:%04x:%d:%d", sig.VendorID, sig.ProductID, sig.Bus, sig.Address)
}

// IdentityFor returns the record for domainID, or nil if not found.
func (s *Store) IdentityFor(domainID string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(identityBucket).Get([]byte(domainID))
		if raw == nil {
			return nil
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// UpdateMTPSerial records the MTP GetDeviceInfo serial number once a
// session is open, the authoritative serial when the USB descriptor's
// own iSerialNumber is absent or a generic placeholder.
func (s *Store) UpdateMTPSerial(domainID, serial string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(identityBucket)
		raw := b.Get([]byte(domainID))
		if raw == nil {
			return fmt.Errorf("identity: no record for domain id %q", domainID)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.MTPSerial = serial
		rec.LastSeen = time.Now()
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(domainID), out)
	})
}

// List returns every known identity record.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(identityBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Remove deletes the identity record for domainID. Removing an
// unknown domainID is a no-op, not an error.
func (s *Store) Remove(domainID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(identityBucket).Delete([]byte(domainID))
	})
}
