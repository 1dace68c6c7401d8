/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Resumable object read and write operations
 */

package mtp

import (
	"context"
	"io"
	"os"

	"github.com/alexpevzner/mtpgo/internal/gateway"
	"github.com/alexpevzner/mtpgo/internal/journal"
	"github.com/alexpevzner/mtpgo/internal/ladder"
	"github.com/alexpevzner/mtpgo/internal/mtperr"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/policy"
	"github.com/alexpevzner/mtpgo/internal/ptplink"
)

// stallSafeChunkBytes is the read-chunk size ceiling applied when the
// device's stall-on-large-reads quirk is set: some devices wedge their
// bulk pipe on reads above this size (spec.md §4.3).
const stallSafeChunkBytes = 512 * 1024

// Read fetches handle's content to destPath, per spec.md §6's
// read(handle, range?, destination) operation and §4.5's resumable
// transfer algorithm: a prior journal record for (device, handle)
// whose ETag matches the object's current {size, mtime} is resumed
// from its committed-bytes offset; any mismatch restarts from zero.
func (d *Device) Read(ctx context.Context, handle uint32, destPath string) error {
	if err := d.EnsureSession(ctx); err != nil {
		return err
	}

	oi, err := d.GetInfo(ctx, handle)
	if err != nil {
		return err
	}

	etag := mtptypes.ETag{Size: oi.SizeBytes}
	if oi.HasModTime {
		etag.MTime = oi.ModTime
	}
	tempPath := destPath + ".mtpgo-tmp"

	var rec *mtptypes.TransferRecord
	resumed := false
	if d.journal != nil {
		rec, resumed, err = d.journal.BeginRead(d.DomainID, handle, oi.ParentHandle, oi.Name, oi.SizeBytes, etag, tempPath, destPath)
		if err != nil {
			return err
		}
	} else {
		rec = &mtptypes.TransferRecord{TotalBytes: oi.SizeBytes}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if !resumed {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tempPath, flags, 0o644)
	if err != nil {
		return mtperr.New(mtperr.KindIO, err)
	}
	defer f.Close()

	committed := rec.CommittedBytes
	if resumed {
		if _, err := f.Seek(int64(committed), 0); err != nil {
			return mtperr.New(mtperr.KindIO, err)
		}
	} else {
		committed = 0
	}

	pol := d.policySnapshot()
	chunk := pol.Numbers.MaxChunkBytes
	if chunk <= 0 {
		chunk = mtptypes.MinChunkBytes
	}
	if pol.Flags.StallOnLargeReads && chunk > stallSafeChunkBytes {
		chunk = stallSafeChunkBytes
	}

	_, err = d.gw.Submit(ctx, gateway.Medium, func(ctx context.Context) (interface{}, error) {
		for committed < oi.SizeBytes {
			want := oi.SizeBytes - committed
			if want > uint64(chunk) {
				want = uint64(chunk)
			}

			n, readErr := d.readChunkLocked(ctx, handle, committed, uint32(want), f)
			if readErr != nil {
				if d.journal != nil {
					if committed == 0 {
						_ = d.journal.Fail(d.DomainID, handle, mtptypes.TransferRead, readErr.Error())
					}
					// Non-first-chunk failures leave the record Active
					// so a later call can resume (spec.md §4.5/§7).
				}
				return nil, readErr
			}
			committed += uint64(n)
			if d.journal != nil {
				if err := d.journal.UpdateProgress(d.DomainID, handle, mtptypes.TransferRead, committed); err != nil {
					return nil, err
				}
			}
			if n == 0 {
				break
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return mtperr.New(mtperr.KindIO, err)
	}
	if err := journal.AtomicRename(tempPath, destPath); err != nil {
		return mtperr.New(mtperr.KindIO, err)
	}
	if d.journal != nil {
		if err := d.journal.Complete(d.DomainID, handle, mtptypes.TransferRead); err != nil {
			return err
		}
	}
	return nil
}

// readChunkLocked pulls up to want bytes starting at offset into f by
// running the GetPartialObject64 -> GetPartialObject -> GetObject
// fallback ladder of spec.md §4.4, always starting at rung 0: even a
// device known not to support 64-bit partial reads gets one recorded
// failed attempt there before falling through, so the attempt log
// always reflects what was actually tried on the wire (spec.md §8,
// Scenario S3) rather than what the policy predicted. GetObject
// carries no offset, so it is only usable at offset 0 and always
// returns the whole object.
func (d *Device) readChunkLocked(ctx context.Context, handle uint32, offset uint64, want uint32, f *os.File) (int64, error) {
	rungs := []ladder.Rung[int64]{
		{Name: "get-partial-object-64", Run: func(context.Context) (int64, error) {
			return d.getPartialObject64Locked(handle, offset, want, f)
		}},
		{Name: "get-partial-object", Run: func(context.Context) (int64, error) {
			if offset > 0xFFFFFFFF {
				return 0, mtperr.New(mtperr.KindNotSupported, nil).
					WithDetail(mtperr.Detail{What: "32-bit partial read offset overflow"})
			}
			return d.getPartialObjectLocked(handle, uint32(offset), want, f)
		}},
		{Name: "get-object", Run: func(context.Context) (int64, error) {
			if offset != 0 {
				return 0, mtperr.New(mtperr.KindNotSupported, nil).
					WithDetail(mtperr.Detail{What: "device has no partial-read support; cannot resume mid-object"})
			}
			return d.getObjectLocked(handle, f)
		}},
	}
	n, attempts, err := ladder.Run(ctx, rungs, 0)
	d.recordLadderAttempts("read-chunk", attempts)
	return n, err
}

func (d *Device) getPartialObject64Locked(handle uint32, offset uint64, want uint32, f *os.File) (int64, error) {
	lo := uint32(offset & 0xFFFFFFFF)
	hi := uint32(offset >> 32)
	resp, payload, err := d.executeWithData(ptplink.Command{
		Code:   opGetPartialObject64,
		Params: []uint32{handle, lo, hi, want},
	})
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}
	n, werr := f.Write(payload)
	if werr != nil {
		return int64(n), mtperr.New(mtperr.KindIO, werr)
	}
	return int64(n), nil
}

func (d *Device) getPartialObjectLocked(handle, offset, want uint32, f *os.File) (int64, error) {
	resp, payload, err := d.executeWithData(ptplink.Command{
		Code:   opGetPartialObject,
		Params: []uint32{handle, offset, want},
	})
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}
	n, werr := f.Write(payload)
	if werr != nil {
		return int64(n), mtperr.New(mtperr.KindIO, werr)
	}
	return int64(n), nil
}

func (d *Device) getObjectLocked(handle uint32, f *os.File) (int64, error) {
	resp, payload, err := d.executeWithData(ptplink.Command{Code: opGetObject, Params: []uint32{handle}})
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}
	n, werr := f.Write(payload)
	if werr != nil {
		return int64(n), mtperr.New(mtperr.KindIO, werr)
	}
	return int64(n), nil
}

// Write uploads srcPath as a new object named name under parent, per
// spec.md §6's write(parent, name, size, source) operation. A device
// quirked write-to-subfolder-only reroutes a root-targeted write into
// its preferred writable folder, creating it if absent; a first
// invalid-parameter response after that reroute is retried once more,
// per spec.md §7's error propagation policy.
func (d *Device) Write(ctx context.Context, storage, parent uint32, name string, srcPath string) (uint32, error) {
	if err := d.EnsureSession(ctx); err != nil {
		return 0, err
	}

	pol := d.policySnapshot()
	target := parent
	if pol.Flags.WriteToSubfolderOnly && parent == mtptypes.RootHandle && pol.Flags.PreferredWriteFolder != "" {
		folder, err := d.ensureWriteFolderLocked(ctx, storage, pol.Flags.PreferredWriteFolder)
		if err != nil {
			return 0, err
		}
		target = folder
	}

	fi, err := os.Stat(srcPath)
	if err != nil {
		return 0, mtperr.New(mtperr.KindIO, err)
	}

	if d.journal != nil {
		if _, err := d.journal.BeginWrite(d.DomainID, target, name, uint64(fi.Size()), pol.Flags.SupportsPartialWrite, srcPath); err != nil {
			return 0, err
		}
	}

	handle, err := d.sendObjectLocked(ctx, storage, target, name, fi.Size(), srcPath, pol)
	if err != nil {
		if mtperr.Is(err, mtperr.KindInvalidParameter) && target != parent {
			// Reroute already applied; per spec.md §7 retry once more
			// before giving up.
			handle, err = d.sendObjectLocked(ctx, storage, target, name, fi.Size(), srcPath, pol)
		}
	}
	if err != nil {
		if d.journal != nil {
			// sendObjectLocked sets handle as soon as SendObjectInfo
			// assigns one, before any chunk is sent, and journals it
			// under that handle at the same point (see
			// sendObjectLocked): a failure after that point must be
			// recorded under the real handle, not the placeholder.
			_ = d.journal.Fail(d.DomainID, handle, mtptypes.TransferWrite, err.Error())
		}
		return 0, err
	}

	if d.journal != nil {
		if err := d.journal.UpdateHandle(d.DomainID, handle); err != nil {
			return handle, err
		}
		if err := d.journal.UpdateProgress(d.DomainID, handle, mtptypes.TransferWrite, uint64(fi.Size())); err != nil {
			return handle, err
		}
		if err := d.journal.Complete(d.DomainID, handle, mtptypes.TransferWrite); err != nil {
			return handle, err
		}
	}
	return handle, nil
}

// sendObjectLocked issues SendObjectInfo, then streams srcPath's
// content to the device either as one SendObject transaction or, when
// the effective policy's supports-partial-write flag is set, as a
// sequence of SendPartialObject chunks with per-chunk journal progress
// (spec.md §4.4's write-side fallback-ladder idea, §4.5's resumable
// write). The handle is registered with the journal as soon as it is
// known, before any chunk is sent, so per-chunk progress updates have
// a record to attach to.
func (d *Device) sendObjectLocked(ctx context.Context, storage, parent uint32, name string, size int64, srcPath string, pol policy.EffectivePolicy) (uint32, error) {
	flags := pol.Flags
	var handle uint32
	_, err := d.gw.Submit(ctx, gateway.Medium, func(ctx context.Context) (interface{}, error) {
		storageParam := storage
		if flags.ForceWildcardStorageInSendObjectInfo {
			storageParam = 0xFFFFFFFF
		}
		dataset := encodeObjectInfo(storageParam, parent, name, size, formatUndefined, flags.EmptyDatesInSendObjectInfo)

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
		handle = resp.Params[2]

		if d.journal != nil {
			if err := d.journal.UpdateHandle(d.DomainID, handle); err != nil {
				return nil, err
			}
		}

		f, err := os.Open(srcPath)
		if err != nil {
			return nil, mtperr.New(mtperr.KindIO, err)
		}
		defer f.Close()

		if flags.SupportsPartialWrite {
			return nil, d.sendPartialObjectChunksLocked(handle, f, size, pol.Numbers.MaxChunkBytes)
		}
		return nil, d.sendObjectStreamLocked(f, size)
	})
	return handle, err
}

// sendObjectStreamLocked performs one SendObject transaction, reading
// srcPath's already-open file handle in fixed-size internal chunks.
func (d *Device) sendObjectStreamLocked(f *os.File, size int64) error {
	buf := make([]byte, 256*1024)
	resp, err := d.ptp.ExecuteStreaming(ptplink.Command{Code: opSendObject}, size, nil, func() ([]byte, bool, error) {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			return chunk, true, nil
		}
		if rerr != nil && rerr != io.EOF {
			return nil, false, mtperr.New(mtperr.KindIO, rerr)
		}
		return nil, false, nil
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}
	return nil
}

// sendPartialObjectChunksLocked uploads f in chunkSize-sized pieces via
// repeated SendPartialObject transactions, reporting committed bytes
// to the journal after every chunk so a write interrupted mid-upload
// leaves an accurate resumption point (spec.md §4.5). SendPartialObject
// carries a 32-bit offset, mirroring GetPartialObject's limit.
func (d *Device) sendPartialObjectChunksLocked(handle uint32, f *os.File, size int64, chunkSize int64) error {
	if chunkSize <= 0 {
		chunkSize = mtptypes.MinChunkBytes
	}
	buf := make([]byte, chunkSize)
	var committed uint64

	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if committed > 0xFFFFFFFF {
				return mtperr.New(mtperr.KindNotSupported, nil).
					WithDetail(mtperr.Detail{What: "32-bit partial write offset overflow"})
			}
			offset := uint32(committed)
			chunk := append([]byte(nil), buf[:n]...)
			sent := false
			resp, err := d.ptp.ExecuteStreaming(ptplink.Command{
				Code:   opSendPartialObject,
				Params: []uint32{handle, offset, uint32(n)},
			}, int64(n), nil, func() ([]byte, bool, error) {
				if sent {
					return nil, false, nil
				}
				sent = true
				return chunk, true, nil
			})
			if err != nil {
				return err
			}
			if !resp.OK() {
				return mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
			}
			committed += uint64(n)
			if d.journal != nil {
				if err := d.journal.UpdateProgress(d.DomainID, handle, mtptypes.TransferWrite, committed); err != nil {
					return err
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return mtperr.New(mtperr.KindIO, rerr)
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// ensureWriteFolderLocked finds or creates a top-level folder named
// name on storage, for the write-to-subfolder-only quirk.
func (d *Device) ensureWriteFolderLocked(ctx context.Context, storage uint32, name string) (uint32, error) {
	entries, err := d.List(ctx, storage, mtptypes.RootHandle)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.FormatCode == formatAssociation && e.Name == name {
			return e.Handle, nil
		}
	}
	return d.CreateFolder(ctx, mtptypes.RootHandle, name, storage)
}
