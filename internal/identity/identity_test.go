package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	db, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := Open(db)
	require.NoError(t, err)
	return s
}

func TestResolveIdentityCreatesNewRecord(t *testing.T) {
	s := openTestStore(t)
	id, err := s.ResolveIdentity(Signals{VendorID: 0x04e8, ProductID: 0x6860, USBSerial: "ABC123"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.IdentityFor(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "ABC123", rec.USBSerial)
}

func TestResolveIdentityIsStableForSameSignals(t *testing.T) {
	s := openTestStore(t)
	sig := Signals{VendorID: 0x04e8, ProductID: 0x6860, USBSerial: "ABC123"}

	id1, err := s.ResolveIdentity(sig)
	require.NoError(t, err)
	id2, err := s.ResolveIdentity(sig)
	require.NoError(t, err)

	require.Equal(t, id1, id2)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestResolveIdentityFallsBackToBusAddressWithoutSerial(t *testing.T) {
	s := openTestStore(t)
	sigA := Signals{VendorID: 0x04e8, ProductID: 0x6860, Bus: 1, Address: 5}
	sigB := Signals{VendorID: 0x04e8, ProductID: 0x6860, Bus: 1, Address: 6}

	idA, err := s.ResolveIdentity(sigA)
	require.NoError(t, err)
	idB, err := s.ResolveIdentity(sigB)
	require.NoError(t, err)

	require.NotEqual(t, idA, idB)
}

func TestUpdateMTPSerialPersists(t *testing.T) {
	s := openTestStore(t)
	id, err := s.ResolveIdentity(Signals{VendorID: 0x1234, ProductID: 0x5678})
	require.NoError(t, err)

	require.NoError(t, s.UpdateMTPSerial(id, "MTP-SERIAL-0001"))

	rec, err := s.IdentityFor(id)
	require.NoError(t, err)
	require.Equal(t, "MTP-SERIAL-0001", rec.MTPSerial)
}

func TestUpdateMTPSerialFailsForUnknownDomain(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateMTPSerial("nonexistent", "x")
	require.Error(t, err)
}

func TestRemoveDeletesRecord(t *testing.T) {
	s := openTestStore(t)
	id, err := s.ResolveIdentity(Signals{VendorID: 1, ProductID: 2, USBSerial: "S1"})
	require.NoError(t, err)

	require.NoError(t, s.Remove(id))

	rec, err := s.IdentityFor(id)
	require.NoError(t, err)
	require.Nil(t, rec)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 0)
}

func TestRemoveUnknownDomainIsNoOp(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Remove("does-not-exist"))
}
