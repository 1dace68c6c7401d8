/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Folder creation, object move, and event subscription
 */

package mtp

import (
	"context"

	"github.com/alexpevzner/mtpgo/internal/gateway"
	"github.com/alexpevzner/mtpgo/internal/mtperr"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/ptplink"
)

// CreateFolder creates a new association (folder) named name under
// parent on storage, per spec.md §6's create-folder(parent, name,
// storage) operation.
func (d *Device) CreateFolder(ctx context.Context, parent uint32, name string, storage uint32) (uint32, error) {
	if err := d.EnsureSession(ctx); err != nil {
		return 0, err
	}

	pol := d.policySnapshot()
	res, err := d.gw.Submit(ctx, gateway.Medium, func(ctx context.Context) (interface{}, error) {
		storageParam := storage
		if pol.Flags.ForceWildcardStorageInSendObjectInfo {
			storageParam = 0xFFFFFFFF
		}
		dataset := encodeObjectInfo(storageParam, parent, name, 0, formatAssociation, pol.Flags.EmptyDatesInSendObjectInfo)

		sent := false
		resp, err := d.ptp.ExecuteStreaming(ptplink.Command{
			Code:   opSendObjectInfo,
			Params: []uint32{storageParam, parent},
		}, int64(len(dataset)), nil, func() ([]byte, bool, error) {
			if sent {
				return nil, false, nil
			}
			sent = true
			return dataset, true, nil
		})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
		}
		if len(resp.Params) < 3 {
			return nil, mtperr.New(mtperr.KindIO, nil).WithDetail(mtperr.Detail{What: "short SendObjectInfo response"})
		}
		return resp.Params[2], nil
	})
	if err != nil {
		return 0, err
	}
	return res.(uint32), nil
}

// Move relocates handle to newParent, per spec.md §6's move(handle,
// new-parent) operation. The native MoveObjectHandle opcode is tried
// first; a device answering operation-not-supported falls back to a
// read-then-write-then-delete emulation, since MoveObjectHandle isn't
// universally implemented despite being a standard PTP operation.
func (d *Device) Move(ctx context.Context, handle, newParent uint32) error {
	if err := d.EnsureSession(ctx); err != nil {
		return err
	}

	oi, err := d.GetInfo(ctx, handle)
	if err != nil {
		return err
	}

	_, err = d.gw.Submit(ctx, gateway.Medium, func(ctx context.Context) (interface{}, error) {
		resp, err := d.ptp.Execute(ptplink.Command{Code: opMoveObject, Params: []uint32{handle, oi.StorageID, newParent}})
		if err != nil {
			return nil, err
		}
		if resp.OK() {
			return nil, nil
		}
		if resp.Code != rcOperationNotSupported {
			return nil, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
		}
		return nil, mtperr.New(mtperr.KindNotSupported, nil)
	})
	if err == nil {
		return nil
	}
	if !mtperr.Is(err, mtperr.KindNotSupported) {
		return err
	}

	return d.moveByCopyLocked(ctx, oi, newParent)
}

// moveByCopyLocked emulates MoveObjectHandle on devices that don't
// support it natively: read the object to a local temp file, write it
// back under newParent, then delete the original.
func (d *Device) moveByCopyLocked(ctx context.Context, oi mtptypes.ObjectInfo, newParent uint32) error {
	tmp, err := tempFilePath(oi.Name)
	if err != nil {
		return err
	}
	defer removeQuietly(tmp)

	if err := d.Read(ctx, oi.Handle, tmp); err != nil {
		return err
	}
	if _, err := d.Write(ctx, oi.StorageID, newParent, oi.Name, tmp); err != nil {
		return err
	}
	return d.Delete(ctx, oi.Handle, false)
}

// Events returns the device's event stream, per spec.md §6's events()
// operation: an infinite sequence of object-added, object-removed, and
// storage-info-changed events until Shutdown/Close stops the pump.
func (d *Device) Events() <-chan mtptypes.Event {
	return d.pump.Events()
}
