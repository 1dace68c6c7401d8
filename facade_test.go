/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Facade-level tests driven by a scriptable bulkReadWriter, the same
 * approach internal/ptplink's own tests use to exercise the
 * transaction engine without real or simulated USB hardware.
 */

package mtp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexpevzner/mtpgo/internal/gateway"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/ptpcodec"
	"github.com/alexpevzner/mtpgo/internal/ptplink"
)

// buildObjectPropListPayload encodes a minimal GetObjectPropList
// dataset for one object, in the tuple shape decodeObjectPropList
// expects: a u32 element count followed by that many
// {handle, property-code, datatype, value} tuples.
func buildObjectPropListPayload(handle uint32, format uint16, size uint64, parent uint32, name string) []byte {
	const (
		propObjectFormat   uint16 = 0xDC02
		propObjectSize     uint16 = 0xDC04
		propObjectFileName uint16 = 0xDC07
		propParentObject   uint16 = 0xDC0B

		datatypeUint16 uint16 = 0x0004
		datatypeUint32 uint16 = 0x0006
		datatypeUint64 uint16 = 0x0008
		datatypeString uint16 = 0xFFFF
	)

	buf := ptpcodec.EncodeU32(4) // element count: 4 tuples for this one handle

	buf = append(buf, ptpcodec.EncodeU32(handle)...)
	buf = append(buf, ptpcodec.EncodeU16(propObjectFormat)...)
	buf = append(buf, ptpcodec.EncodeU16(datatypeUint16)...)
	buf = append(buf, ptpcodec.EncodeU16(format)...)

	buf = append(buf, ptpcodec.EncodeU32(handle)...)
	buf = append(buf, ptpcodec.EncodeU16(propParentObject)...)
	buf = append(buf, ptpcodec.EncodeU16(datatypeUint32)...)
	buf = append(buf, ptpcodec.EncodeU32(parent)...)

	buf = append(buf, ptpcodec.EncodeU32(handle)...)
	buf = append(buf, ptpcodec.EncodeU16(propObjectSize)...)
	buf = append(buf, ptpcodec.EncodeU16(datatypeUint64)...)
	buf = append(buf, ptpcodec.EncodeU64(size)...)

	buf = append(buf, ptpcodec.EncodeU32(handle)...)
	buf = append(buf, ptpcodec.EncodeU16(propObjectFileName)...)
	buf = append(buf, ptpcodec.EncodeU16(datatypeString)...)
	buf = append(buf, ptpcodec.EncodeString(name)...)

	return buf
}

// fakeBus is a scriptable bulkReadWriter, mirroring
// internal/ptplink's own test fake: the test preloads exactly the
// container bytes a ReadBulk sequence should return and records every
// WriteBulk call.
type fakeBus struct {
	mu        sync.Mutex
	maxPacket int
	reads     [][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{maxPacket: 512}
}

func (b *fakeBus) queueContainer(c *ptpcodec.Container) {
	buf := c.Encode()
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(buf) > b.maxPacket {
		b.reads = append(b.reads, buf[:b.maxPacket])
		buf = buf[b.maxPacket:]
	}
	b.reads = append(b.reads, buf)
	if len(c.Encode())%b.maxPacket == 0 {
		b.reads = append(b.reads, nil)
	}
}

// queueOKResponse queues a data container (when payload is non-nil)
// followed by an OK response, the sequence a data-in transaction
// expects.
func (b *fakeBus) queueOKResponse(txid uint32, cmdCode uint16, payload []byte, extraParams ...uint32) {
	if payload != nil {
		b.queueContainer(&ptpcodec.Container{Type: ptpcodec.TypeData, Code: cmdCode, TransactionID: txid, Payload: payload})
	}
	b.queueContainer(&ptpcodec.Container{Type: ptpcodec.TypeResponse, Code: rcOK, TransactionID: txid, Params: extraParams})
}

func (b *fakeBus) queueResponse(txid uint32, code uint16, params ...uint32) {
	b.queueContainer(&ptpcodec.Container{Type: ptpcodec.TypeResponse, Code: code, TransactionID: txid, Params: params})
}

func (b *fakeBus) ReadBulk(buf []byte, _ time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.reads) == 0 {
		return 0, errors.New("fakeBus: read queue exhausted")
	}
	chunk := b.reads[0]
	b.reads = b.reads[1:]
	return copy(buf, chunk), nil
}

func (b *fakeBus) WriteBulk(buf []byte, _ time.Duration) (int, error) {
	return len(buf), nil
}

func (b *fakeBus) MaxPacketSize() int { return b.maxPacket }

// fakeLinkCloser satisfies gateway.LinkCloser without any real USB
// pipes to reset.
type fakeLinkCloser struct{}

func (fakeLinkCloser) Reset() error { return nil }

// buildDeviceInfoPayload encodes a minimal GetDeviceInfo dataset in
// the exact field order decodeDeviceInfo expects.
func buildDeviceInfoPayload(manufacturer, model, version, serial string) []byte {
	var buf []byte
	buf = append(buf, ptpcodec.EncodeU16(100)...)    // standard version
	buf = append(buf, ptpcodec.EncodeU32(6)...)      // vendor extension id
	buf = append(buf, ptpcodec.EncodeU16(0)...)      // vendor extension version
	buf = append(buf, ptpcodec.EncodeString("")...)  // vendor extension desc
	buf = append(buf, ptpcodec.EncodeU16(0)...)      // functional mode
	buf = append(buf, encodeU16Array(nil)...)        // operations supported
	buf = append(buf, encodeU16Array(nil)...)        // events supported
	buf = append(buf, encodeU16Array(nil)...)        // device properties supported
	buf = append(buf, encodeU16Array(nil)...)        // capture formats
	buf = append(buf, encodeU16Array(nil)...)        // image formats
	buf = append(buf, ptpcodec.EncodeString(manufacturer)...)
	buf = append(buf, ptpcodec.EncodeString(model)...)
	buf = append(buf, ptpcodec.EncodeString(version)...)
	buf = append(buf, ptpcodec.EncodeString(serial)...)
	return buf
}

func encodeU16Array(vals []uint16) []byte {
	buf := ptpcodec.EncodeU32(uint32(len(vals)))
	for _, v := range vals {
		buf = append(buf, ptpcodec.EncodeU16(v)...)
	}
	return buf
}

func encodeU32Array(vals []uint32) []byte {
	buf := ptpcodec.EncodeU32(uint32(len(vals)))
	for _, v := range vals {
		buf = append(buf, ptpcodec.EncodeU32(v)...)
	}
	return buf
}

// buildObjectInfoPayload encodes a minimal ObjectInfo dataset in the
// exact field order decodeObjectInfo expects.
func buildObjectInfoPayload(storageID uint32, format uint16, size uint32, parent uint32, name string) []byte {
	var buf []byte
	buf = append(buf, ptpcodec.EncodeU32(storageID)...)
	buf = append(buf, ptpcodec.EncodeU16(format)...)
	buf = append(buf, ptpcodec.EncodeU16(0)...) // protection status
	buf = append(buf, ptpcodec.EncodeU32(size)...)
	buf = append(buf, ptpcodec.EncodeU16(0)...) // thumb format
	buf = append(buf, ptpcodec.EncodeU32(0)...) // thumb compressed size
	buf = append(buf, ptpcodec.EncodeU32(0)...) // thumb pix width
	buf = append(buf, ptpcodec.EncodeU32(0)...) // thumb pix height
	buf = append(buf, ptpcodec.EncodeU32(0)...) // image pix width
	buf = append(buf, ptpcodec.EncodeU32(0)...) // image pix height
	buf = append(buf, ptpcodec.EncodeU32(0)...) // image bit depth
	buf = append(buf, ptpcodec.EncodeU32(parent)...)
	buf = append(buf, ptpcodec.EncodeU16(0)...) // association type
	buf = append(buf, ptpcodec.EncodeU32(0)...) // association desc
	buf = append(buf, ptpcodec.EncodeU32(0)...) // sequence number
	buf = append(buf, ptpcodec.EncodeString(name)...)
	buf = append(buf, ptpcodec.EncodeString("")...) // capture date
	buf = append(buf, ptpcodec.EncodeString("")...) // modification date
	return buf
}

// newTestDevice builds a Device wired to a fake transaction engine,
// bypassing Open/usbtransport.Claim: the facade's operations only
// ever touch d.ptp and d.gw directly, so a real USB claim adds
// nothing a scripted bus can't exercise.
func newTestDevice(t *testing.T, flags mtptypes.Flags) (*Device, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	link := ptplink.New(bus, nil, ptplink.Config{ChunkBytes: 1 << 20, IOTimeout: time.Second})

	gw := gateway.New(fakeLinkCloser{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	gw.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = gw.Stop()
	})

	dev := &Device{
		Summary: mtptypes.DeviceSummary{StableID: "0001:0002"},
		ptp:     link,
		gw:      gw,
	}
	dev.effective.Flags = flags
	dev.effective.Numbers.MaxChunkBytes = mtptypes.MinChunkBytes
	return dev, bus
}

func ensureTestSession(t *testing.T, dev *Device, bus *fakeBus) {
	t.Helper()
	bus.queueResponse(1, rcOK) // OpenSession
	bus.queueOKResponse(2, opGetDeviceInfo, buildDeviceInfoPayload("Acme", "Widget", "1.0", "SN1"))
	require.NoError(t, dev.EnsureSession(context.Background()))
}

func TestEnsureSessionPopulatesInfo(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	info, err := dev.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Acme", info.Manufacturer)
	require.Equal(t, "Widget", info.Model)
	require.Equal(t, "SN1", info.SerialNumber)
}

func TestStoragesDecodesInfoPerID(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	bus.queueOKResponse(3, opGetStorageIDs, encodeU32Array([]uint32{0x00010001}))

	var storageInfo []byte
	storageInfo = append(storageInfo, ptpcodec.EncodeU16(3)...)    // storage type
	storageInfo = append(storageInfo, ptpcodec.EncodeU16(0)...)    // filesystem type
	storageInfo = append(storageInfo, ptpcodec.EncodeU16(0)...)    // access capability
	storageInfo = append(storageInfo, ptpcodec.EncodeU64(1<<30)...) // max capacity
	storageInfo = append(storageInfo, ptpcodec.EncodeU64(1<<20)...) // free space
	storageInfo = append(storageInfo, ptpcodec.EncodeU32(0)...)    // free space in objects
	storageInfo = append(storageInfo, ptpcodec.EncodeString("Internal")...)
	bus.queueOKResponse(4, opGetStorageInfo, storageInfo)

	storages, err := dev.Storages(context.Background())
	require.NoError(t, err)
	require.Len(t, storages, 1)
	require.Equal(t, uint32(0x00010001), storages[0].StorageID)
	require.Equal(t, "Internal", storages[0].Description)
	require.False(t, storages[0].ReadOnly)
}

func TestListAndGetInfo(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	bus.queueOKResponse(3, opGetObjectHandles, encodeU32Array([]uint32{42}))
	bus.queueOKResponse(4, opGetObjectInfo, buildObjectInfoPayload(0x00010001, formatUndefined, 1024, mtptypes.RootHandle, "photo.jpg"))

	objs, err := dev.List(context.Background(), 0x00010001, mtptypes.RootHandle)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, uint32(42), objs[0].Handle)
	require.Equal(t, "photo.jpg", objs[0].Name)
	require.EqualValues(t, 1024, objs[0].SizeBytes)
	require.False(t, objs[0].HasParent)
}

func TestDeleteSingleAttempt(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	bus.queueResponse(3, rcOK)
	require.NoError(t, dev.Delete(context.Background(), 42, false))
}

func TestCreateFolderReturnsNewHandle(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	bus.queueResponse(3, rcOK, 0, 0, 0x99)
	handle, err := dev.CreateFolder(context.Background(), mtptypes.RootHandle, "Photos", 0x00010001)
	require.NoError(t, err)
	require.EqualValues(t, 0x99, handle)
}

func TestMoveUsesNativeOpcodeWhenSupported(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	bus.queueOKResponse(3, opGetObjectInfo, buildObjectInfoPayload(0x00010001, formatUndefined, 10, mtptypes.RootHandle, "a.txt"))
	bus.queueResponse(4, rcOK) // MoveObjectHandle succeeds natively

	require.NoError(t, dev.Move(context.Background(), 42, 0x77))
}

func TestMoveFallsBackToCopyOnNotSupported(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{SupportsPartialRead64: false, SupportsPartialRead32: false})
	ensureTestSession(t, dev, bus)

	srcName := "note.txt"
	content := []byte("hello mtp")

	// Move(): GetInfo, then MoveObjectHandle -> not supported.
	bus.queueOKResponse(3, opGetObjectInfo, buildObjectInfoPayload(0x00010001, formatUndefined, uint32(len(content)), mtptypes.RootHandle, srcName))
	bus.queueResponse(4, rcOperationNotSupported)

	// moveByCopyLocked -> Read(): GetInfo again, then the read ladder's
	// first rung (GetPartialObject64), which takes the data queued here.
	bus.queueOKResponse(5, opGetObjectInfo, buildObjectInfoPayload(0x00010001, formatUndefined, uint32(len(content)), mtptypes.RootHandle, srcName))
	bus.queueOKResponse(6, opGetObject, content)

	// moveByCopyLocked -> Write(): SendObjectInfo then SendObject.
	bus.queueResponse(7, rcOK, 0, 0, 0xAB)
	bus.queueResponse(8, rcOK)

	// moveByCopyLocked -> Delete() of the original handle.
	bus.queueResponse(9, rcOK)

	require.NoError(t, dev.Move(context.Background(), 42, 0x77))
}

func TestReadWritesDestinationFile(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	content := []byte("some object bytes")
	bus.queueOKResponse(3, opGetObjectInfo, buildObjectInfoPayload(0x00010001, formatUndefined, uint32(len(content)), mtptypes.RootHandle, "f.bin"))
	bus.queueOKResponse(4, opGetObject, content)

	dest := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, dev.Read(context.Background(), 42, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestWriteUploadsSourceFile(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	bus.queueResponse(3, rcOK, 0, 0, 0xCAFE) // SendObjectInfo
	bus.queueResponse(4, rcOK)               // SendObject

	handle, err := dev.Write(context.Background(), 0x00010001, mtptypes.RootHandle, "src.bin", src)
	require.NoError(t, err)
	require.EqualValues(t, 0xCAFE, handle)
}

// TestListUsesObjectPropListWhenSupported exercises the list ladder's
// rung 0: SupportsGetObjectPropList promotes startAt to 0, so List
// should resolve entirely from a single GetObjectPropList round trip
// with no follow-up GetObjectHandles/GetObjectInfo calls, and the
// attempt log should show exactly the one successful attempt.
func TestListUsesObjectPropListWhenSupported(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{SupportsGetObjectPropList: true})
	ensureTestSession(t, dev, bus)

	bus.queueOKResponse(3, opGetObjectPropList,
		buildObjectPropListPayload(42, formatUndefined, 1024, mtptypes.RootHandle, "photo.jpg"))

	objs, err := dev.List(context.Background(), 0x00010001, mtptypes.RootHandle)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, uint32(42), objs[0].Handle)
	require.Equal(t, "photo.jpg", objs[0].Name)
	require.EqualValues(t, 1024, objs[0].SizeBytes)
	require.False(t, objs[0].HasParent)

	attempts := dev.LadderAttempts("list")
	require.Len(t, attempts, 1)
	require.Equal(t, "get-object-prop-list", attempts[0].Name)
	require.NoError(t, attempts[0].Err)
}

// TestListFallsBackToHandlesWhenPropListNotSupported exercises the
// list ladder's rung 1 directly: without SupportsGetObjectPropList or
// PrefersPropListEnumeration, startAt skips rung 0 entirely, so the
// fake bus only ever needs to answer GetObjectHandles/GetObjectInfo
// and the attempt log should show exactly that one rung.
func TestListFallsBackToHandlesWhenPropListNotSupported(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	bus.queueOKResponse(3, opGetObjectHandles, encodeU32Array([]uint32{42}))
	bus.queueOKResponse(4, opGetObjectInfo, buildObjectInfoPayload(0x00010001, formatUndefined, 1024, mtptypes.RootHandle, "photo.jpg"))

	objs, err := dev.List(context.Background(), 0x00010001, mtptypes.RootHandle)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	attempts := dev.LadderAttempts("list")
	require.Len(t, attempts, 1)
	require.Equal(t, "get-object-handles", attempts[0].Name)
}

// TestReadChunkAlwaysAttemptsPartialObject64First pins down spec.md's
// Scenario S3: even a device with neither partial-read flag set still
// gets one recorded, failed get-partial-object-64 attempt before
// falling through to get-object, since the read ladder always starts
// at rung 0 regardless of policy.
func TestReadChunkAlwaysAttemptsPartialObject64First(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{})
	ensureTestSession(t, dev, bus)

	content := []byte("some object bytes")
	bus.queueOKResponse(3, opGetObjectInfo, buildObjectInfoPayload(0x00010001, formatUndefined, uint32(len(content)), mtptypes.RootHandle, "f.bin"))
	// GetPartialObject64 and GetPartialObject both rejected as
	// not-supported; GetObject then succeeds and returns the whole
	// object.
	bus.queueResponse(4, rcOperationNotSupported)
	bus.queueResponse(5, rcOperationNotSupported)
	bus.queueOKResponse(6, opGetObject, content)

	dest := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, dev.Read(context.Background(), 42, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)

	attempts := dev.LadderAttempts("read-chunk")
	require.Len(t, attempts, 3)
	require.Equal(t, "get-partial-object-64", attempts[0].Name)
	require.Error(t, attempts[0].Err)
	require.Equal(t, "get-partial-object", attempts[1].Name)
	require.Error(t, attempts[1].Err)
	require.Equal(t, "get-object", attempts[2].Name)
	require.NoError(t, attempts[2].Err)
}

// TestWriteChunksViaSendPartialObjectWhenSupported exercises the
// write-side fallback ladder: a device with SupportsPartialWrite set
// gets its payload split across repeated SendPartialObject
// transactions sized by MaxChunkBytes rather than one SendObject call.
func TestWriteChunksViaSendPartialObjectWhenSupported(t *testing.T) {
	dev, bus := newTestDevice(t, mtptypes.Flags{SupportsPartialWrite: true})
	dev.effective.Numbers.MaxChunkBytes = 4
	ensureTestSession(t, dev, bus)

	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o644))

	bus.queueResponse(3, rcOK, 0, 0, 0xCAFE) // SendObjectInfo
	// 10 bytes in 4-byte chunks: 4 + 4 + 2 = three SendPartialObject
	// transactions.
	bus.queueResponse(4, rcOK)
	bus.queueResponse(5, rcOK)
	bus.queueResponse(6, rcOK)

	handle, err := dev.Write(context.Background(), 0x00010001, mtptypes.RootHandle, "src.bin", src)
	require.NoError(t, err)
	require.EqualValues(t, 0xCAFE, handle)
}
