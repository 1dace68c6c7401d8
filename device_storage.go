/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Storage and object enumeration operations
 */

package mtp

import (
	"context"

	"github.com/alexpevzner/mtpgo/internal/gateway"
	"github.com/alexpevzner/mtpgo/internal/ladder"
	"github.com/alexpevzner/mtpgo/internal/mtperr"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/ptpcodec"
	"github.com/alexpevzner/mtpgo/internal/ptplink"
)

// Storages lists the device's storage IDs, fetching each one's info
// dataset in turn, per spec.md §6's storages() operation.
func (d *Device) Storages(ctx context.Context) ([]mtptypes.Storage, error) {
	if err := d.EnsureSession(ctx); err != nil {
		return nil, err
	}

	res, err := d.gw.Submit(ctx, gateway.Medium, func(ctx context.Context) (interface{}, error) {
		resp, payload, err := d.executeWithData(ptplink.Command{Code: opGetStorageIDs})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
		}

		ids, _, ok := decodeArrayU32(payload)
		if !ok {
			return nil, errShortDataset("storage-ids", "array")
		}

		var out []mtptypes.Storage
		for _, id := range ids {
			resp, payload, err := d.executeWithData(ptplink.Command{Code: opGetStorageInfo, Params: []uint32{id}})
			if err != nil {
				return nil, err
			}
			if !resp.OK() {
				return nil, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
			}
			st, err := decodeStorageInfo(id, payload)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]mtptypes.Storage), nil
}

// decodeStorageInfo parses a GetStorageInfo response payload into a
// Storage, per the standard PTP StorageInfo dataset layout.
func decodeStorageInfo(id uint32, buf []byte) (mtptypes.Storage, error) {
	st := mtptypes.Storage{StorageID: id}
	off := 0

	storageType, ok := ptpcodec.DecodeU16(buf[off:])
	if !ok {
		return st, errShortDataset("storage-info", "storage-type")
	}
	off += 2

	fsType, ok := ptpcodec.DecodeU16(buf[off:])
	if !ok {
		return st, errShortDataset("storage-info", "filesystem-type")
	}
	off += 2
	st.ReadOnly = fsType == fsTypeReadOnly

	access, ok := ptpcodec.DecodeU16(buf[off:])
	if !ok {
		return st, errShortDataset("storage-info", "access-capability")
	}
	off += 2
	if access == accessReadOnly || access == accessReadOnlyNoDelete {
		st.ReadOnly = true
	}
	_ = storageType

	cap64, ok := ptpcodec.DecodeU64(buf[off:])
	if !ok {
		return st, errShortDataset("storage-info", "max-capacity")
	}
	off += 8
	st.CapacityBytes = cap64

	free64, ok := ptpcodec.DecodeU64(buf[off:])
	if !ok {
		return st, errShortDataset("storage-info", "free-space")
	}
	off += 8
	st.FreeBytes = free64

	off += 4 // free-space-in-objects, unused

	desc, _, ok := ptpcodec.DecodeString(buf[off:])
	if !ok {
		return st, errShortDataset("storage-info", "storage-description")
	}
	st.Description = desc

	return st, nil
}

const (
	fsTypeReadOnly         uint16 = 0x0001
	accessReadOnly         uint16 = 0x0001
	accessReadOnlyNoDelete uint16 = 0x0002
)

// List enumerates the direct children of parent on storage, per
// spec.md §6's list(storage, parent) operation and §4.4's fallback
// ladder: GetObjectPropList, which fetches every child's metadata in
// one round trip, is tried first when the policy favors it; a device
// that doesn't support it (or rejects the call) falls back to
// GetObjectHandles plus one GetObjectInfo per handle. Every attempt is
// recorded under the "list" ladder name (spec.md §4.4, Testable
// Property 8).
func (d *Device) List(ctx context.Context, storage, parent uint32) ([]mtptypes.ObjectInfo, error) {
	if err := d.EnsureSession(ctx); err != nil {
		return nil, err
	}

	pol := d.policySnapshot()
	startAt := 1 // default: skip straight to the per-handle fallback
	if pol.Flags.SupportsGetObjectPropList || pol.Flags.PrefersPropListEnumeration {
		startAt = 0
	}

	res, err := d.gw.Submit(ctx, gateway.Medium, func(ctx context.Context) (interface{}, error) {
		rungs := []ladder.Rung[[]mtptypes.ObjectInfo]{
			{Name: "get-object-prop-list", Run: func(ctx context.Context) ([]mtptypes.ObjectInfo, error) {
				return d.listViaPropListLocked(storage, parent)
			}},
			{Name: "get-object-handles", Run: func(ctx context.Context) ([]mtptypes.ObjectInfo, error) {
				return d.listViaHandlesLocked(storage, parent)
			}},
		}
		out, attempts, err := ladder.Run(ctx, rungs, startAt)
		d.recordLadderAttempts("list", attempts)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return res.([]mtptypes.ObjectInfo), nil
}

// listViaHandlesLocked is the GetObjectHandles+per-handle-GetObjectInfo
// rung: one round trip to get the handle list, then one GetObjectInfo
// per handle.
func (d *Device) listViaHandlesLocked(storage, parent uint32) ([]mtptypes.ObjectInfo, error) {
	resp, payload, err := d.executeWithData(ptplink.Command{
		Code:   opGetObjectHandles,
		Params: []uint32{storage, 0, parent},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}

	handles, _, ok := decodeArrayU32(payload)
	if !ok {
		return nil, errShortDataset("object-handles", "array")
	}

	out := make([]mtptypes.ObjectInfo, 0, len(handles))
	for _, h := range handles {
		oi, err := d.getObjectInfoLocked(h)
		if err != nil {
			return nil, err
		}
		out = append(out, oi)
	}
	return out, nil
}

// listViaPropListLocked is the GetObjectPropList rung: one round trip
// returns every child's handle plus a flat tuple stream of the
// properties this facade cares about (format, size, filename,
// modification date, parent), decoded by decodeObjectPropList.
func (d *Device) listViaPropListLocked(storage, parent uint32) ([]mtptypes.ObjectInfo, error) {
	resp, payload, err := d.executeWithData(ptplink.Command{
		Code: opGetObjectPropList,
		// {object-handle, object-format (any), property-code (all),
		// group-code (unused), depth (immediate children only)}.
		Params: []uint32{parent, 0, 0xFFFFFFFF, 0, 0},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}
	return decodeObjectPropList(storage, payload)
}

// GetInfo fetches one object's ObjectInfo dataset, per spec.md §6's
// get-info(handle) operation.
func (d *Device) GetInfo(ctx context.Context, handle uint32) (mtptypes.ObjectInfo, error) {
	if err := d.EnsureSession(ctx); err != nil {
		return mtptypes.ObjectInfo{}, err
	}
	res, err := d.gw.Submit(ctx, gateway.Medium, func(ctx context.Context) (interface{}, error) {
		return d.getObjectInfoLocked(handle)
	})
	if err != nil {
		return mtptypes.ObjectInfo{}, err
	}
	return res.(mtptypes.ObjectInfo), nil
}

// getObjectInfoLocked issues GetObjectInfo; callers must already be
// running inside a gateway op (hence "locked" — the link is owned by
// the calling goroutine for the duration).
func (d *Device) getObjectInfoLocked(handle uint32) (mtptypes.ObjectInfo, error) {
	resp, payload, err := d.executeWithData(ptplink.Command{Code: opGetObjectInfo, Params: []uint32{handle}})
	if err != nil {
		return mtptypes.ObjectInfo{}, err
	}
	if !resp.OK() {
		return mtptypes.ObjectInfo{}, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}
	return decodeObjectInfo(handle, payload)
}

// Delete removes an object, per spec.md §6's delete(handle, recursive)
// operation. recursive is honored by walking and deleting children
// first when the device's DeleteObject doesn't cascade on its own;
// most MTP devices do cascade association (folder) deletes natively,
// so the single DeleteObject attempt is tried first regardless.
func (d *Device) Delete(ctx context.Context, handle uint32, recursive bool) error {
	if err := d.EnsureSession(ctx); err != nil {
		return err
	}

	_, err := d.gw.Submit(ctx, gateway.Medium, func(ctx context.Context) (interface{}, error) {
		resp, err := d.ptp.Execute(ptplink.Command{Code: opDeleteObject, Params: []uint32{handle, 0}})
		if err != nil {
			return nil, err
		}
		if resp.OK() {
			return nil, nil
		}
		if resp.Code != rcOperationNotSupported || !recursive {
			return nil, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
		}

		// Device refused a cascading delete: walk children first.
		children, err := d.listChildrenLocked(handle)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if err := d.deleteOneLocked(child, true); err != nil {
				return nil, err
			}
		}
		return nil, d.deleteOneLocked(handle, false)
	})
	return err
}

func (d *Device) deleteOneLocked(handle uint32, recursive bool) error {
	if recursive {
		children, err := d.listChildrenLocked(handle)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := d.deleteOneLocked(child, true); err != nil {
				return err
			}
		}
	}
	resp, err := d.ptp.Execute(ptplink.Command{Code: opDeleteObject, Params: []uint32{handle, 0}})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}
	return nil
}

// listChildrenLocked enumerates handle's direct children across every
// storage the object's own storage ID is on. Delete's recursive
// fallback path only needs the handles, not full ObjectInfo.
func (d *Device) listChildrenLocked(handle uint32) ([]uint32, error) {
	oi, err := d.getObjectInfoLocked(handle)
	if err != nil {
		return nil, err
	}
	resp, payload, err := d.executeWithData(ptplink.Command{
		Code:   opGetObjectHandles,
		Params: []uint32{oi.StorageID, 0, handle},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}
	handles, _, ok := decodeArrayU32(payload)
	if !ok {
		return nil, errShortDataset("object-handles", "array")
	}
	return handles, nil
}
