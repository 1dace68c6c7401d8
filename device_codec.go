/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Dataset codecs for GetDeviceInfo, ObjectInfo and storage arrays
 */

package mtp

import (
	"time"

	"github.com/alexpevzner/mtpgo/internal/mtperr"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/ptpcodec"
)

// decodeArrayU32 decodes a PTP AUINT32: a u32 count followed by that
// many little-endian u32 elements.
func decodeArrayU32(buf []byte) (vals []uint32, consumed int, ok bool) {
	n, ok := ptpcodec.DecodeU32(buf)
	if !ok {
		return nil, 0, false
	}
	need := 4 + int(n)*4
	if len(buf) < need {
		return nil, 0, false
	}
	vals = make([]uint32, n)
	for i := range vals {
		v, _ := ptpcodec.DecodeU32(buf[4+4*i:])
		vals[i] = v
	}
	return vals, need, true
}

// decodeArrayU16 decodes a PTP AUINT16: a u32 count followed by that
// many little-endian u16 elements.
func decodeArrayU16(buf []byte) (vals []uint16, consumed int, ok bool) {
	n, ok := ptpcodec.DecodeU32(buf)
	if !ok {
		return nil, 0, false
	}
	need := 4 + int(n)*2
	if len(buf) < need {
		return nil, 0, false
	}
	vals = make([]uint16, n)
	for i := range vals {
		v, _ := ptpcodec.DecodeU16(buf[4+2*i:])
		vals[i] = v
	}
	return vals, need, true
}

// decodeDeviceInfo parses a GetDeviceInfo response payload into
// mtptypes.DeviceInfo, per the standard PTP DeviceInfo dataset layout.
func decodeDeviceInfo(buf []byte) (mtptypes.DeviceInfo, error) {
	var info mtptypes.DeviceInfo
	off := 0

	take16 := func() (uint16, bool) { v, ok := ptpcodec.DecodeU16(buf[off:]); return v, ok }
	take32 := func() (uint32, bool) { v, ok := ptpcodec.DecodeU32(buf[off:]); return v, ok }

	var ok bool
	if info.StandardVersion, ok = take16(); !ok {
		return info, errShortDataset("device-info", "standard-version")
	}
	off += 2

	if info.VendorExtensionID, ok = take32(); !ok {
		return info, errShortDataset("device-info", "vendor-extension-id")
	}
	off += 4

	off += 2 // VendorExtensionVersion, unused

	desc, n, ok := ptpcodec.DecodeString(buf[off:])
	if !ok {
		return info, errShortDataset("device-info", "vendor-extension-desc")
	}
	info.VendorExtensionDesc = desc
	off += n

	if info.FunctionalMode, ok = take16(); !ok {
		return info, errShortDataset("device-info", "functional-mode")
	}
	off += 2

	ops, n, ok := decodeArrayU16(buf[off:])
	if !ok {
		return info, errShortDataset("device-info", "operations-supported")
	}
	info.OperationsSupported = ops
	off += n

	evts, n, ok := decodeArrayU16(buf[off:])
	if !ok {
		return info, errShortDataset("device-info", "events-supported")
	}
	info.EventsSupported = evts
	off += n

	// DevicePropertiesSupported, CaptureFormats, ImageFormats: skipped
	// past (this facade doesn't expose device properties or capture),
	// but must still be consumed to reach the trailing strings.
	for i := 0; i < 3; i++ {
		_, n, ok := decodeArrayU16(buf[off:])
		if !ok {
			return info, errShortDataset("device-info", "format-array")
		}
		off += n
	}

	mfg, n, ok := ptpcodec.DecodeString(buf[off:])
	if !ok {
		return info, errShortDataset("device-info", "manufacturer")
	}
	info.Manufacturer = mfg
	off += n

	model, n, ok := ptpcodec.DecodeString(buf[off:])
	if !ok {
		return info, errShortDataset("device-info", "model")
	}
	info.Model = model
	off += n

	ver, n, ok := ptpcodec.DecodeString(buf[off:])
	if !ok {
		return info, errShortDataset("device-info", "device-version")
	}
	info.DeviceVersion = ver
	off += n

	serial, _, ok := ptpcodec.DecodeString(buf[off:])
	if !ok {
		return info, errShortDataset("device-info", "serial-number")
	}
	info.SerialNumber = serial

	return info, nil
}

// decodeObjectInfo parses a GetObjectInfo response payload into
// mtptypes.ObjectInfo, per the standard PTP ObjectInfo dataset layout.
func decodeObjectInfo(handle uint32, buf []byte) (mtptypes.ObjectInfo, error) {
	oi := mtptypes.ObjectInfo{Handle: handle, Properties: map[uint16]string{}}
	off := 0

	u32 := func(name string) (uint32, error) {
		v, ok := ptpcodec.DecodeU32(buf[off:])
		if !ok {
			return 0, errShortDataset("object-info", name)
		}
		off += 4
		return v, nil
	}
	u16 := func(name string) (uint16, error) {
		v, ok := ptpcodec.DecodeU16(buf[off:])
		if !ok {
			return 0, errShortDataset("object-info", name)
		}
		off += 2
		return v, nil
	}

	var err error
	if oi.StorageID, err = u32("storage-id"); err != nil {
		return oi, err
	}
	if oi.FormatCode, err = u16("object-format"); err != nil {
		return oi, err
	}
	if _, err = u16("protection-status"); err != nil {
		return oi, err
	}

	size, err := u32("object-compressed-size")
	if err != nil {
		return oi, err
	}
	oi.SizeBytes = uint64(size)
	oi.HasSize = true

	if _, err = u16("thumb-format"); err != nil {
		return oi, err
	}
	for _, name := range []string{"thumb-compressed-size", "thumb-pix-width", "thumb-pix-height",
		"image-pix-width", "image-pix-height", "image-bit-depth"} {
		if _, err = u32(name); err != nil {
			return oi, err
		}
	}

	parent, err := u32("parent-object")
	if err != nil {
		return oi, err
	}
	oi.ParentHandle = parent
	oi.HasParent = parent != 0 && parent != mtptypes.RootHandle

	if _, err = u16("association-type"); err != nil {
		return oi, err
	}
	if _, err = u32("association-desc"); err != nil {
		return oi, err
	}
	if _, err = u32("sequence-number"); err != nil {
		return oi, err
	}

	name, n, ok := ptpcodec.DecodeString(buf[off:])
	if !ok {
		return oi, errShortDataset("object-info", "filename")
	}
	oi.Name = name
	off += n

	_, n, ok = ptpcodec.DecodeString(buf[off:]) // capture-date, unused
	if !ok {
		return oi, errShortDataset("object-info", "capture-date")
	}
	off += n

	modDate, n, ok := ptpcodec.DecodeString(buf[off:])
	if !ok {
		return oi, errShortDataset("object-info", "modification-date")
	}
	off += n
	if t, ok := parseMTPTime(modDate); ok {
		oi.ModTime = t
		oi.HasModTime = true
	}

	return oi, nil
}

// encodeObjectInfo builds a SendObjectInfo dataset for writing a new
// object (or folder, when format is formatAssociation) of size bytes
// named name under parent on storageID. emptyDates mirrors the
// `empty-dates-in-send-object-info` quirk flag: some devices reject a
// populated CaptureDate/ModificationDate pair and expect them empty.
func encodeObjectInfo(storageID, parent uint32, name string, size int64, format uint16, emptyDates bool) []byte {
	var buf []byte
	buf = append(buf, ptpcodec.EncodeU32(storageID)...)
	buf = append(buf, ptpcodec.EncodeU16(format)...)
	buf = append(buf, ptpcodec.EncodeU16(0)...) // protection status
	buf = append(buf, ptpcodec.EncodeU32(uint32(size))...)
	buf = append(buf, ptpcodec.EncodeU16(0)...) // thumb format
	buf = append(buf, ptpcodec.EncodeU32(0)...) // thumb compressed size
	buf = append(buf, ptpcodec.EncodeU32(0)...) // thumb pix width
	buf = append(buf, ptpcodec.EncodeU32(0)...) // thumb pix height
	buf = append(buf, ptpcodec.EncodeU32(0)...) // image pix width
	buf = append(buf, ptpcodec.EncodeU32(0)...) // image pix height
	buf = append(buf, ptpcodec.EncodeU32(0)...) // image bit depth
	buf = append(buf, ptpcodec.EncodeU32(parent)...)
	if format == formatAssociation {
		buf = append(buf, ptpcodec.EncodeU16(associationGenericFolder)...)
	} else {
		buf = append(buf, ptpcodec.EncodeU16(0)...)
	}
	buf = append(buf, ptpcodec.EncodeU32(0)...) // association desc
	buf = append(buf, ptpcodec.EncodeU32(0)...) // sequence number
	buf = append(buf, ptpcodec.EncodeString(name)...)

	dates := ""
	if !emptyDates {
		dates = formatMTPTime(time.Now())
	}
	buf = append(buf, ptpcodec.EncodeString(dates)...) // capture date
	buf = append(buf, ptpcodec.EncodeString(dates)...) // modification date
	buf = append(buf, ptpcodec.EncodeString("")...)    // keywords

	return buf
}

// Object property codes and datatype codes this facade recognizes
// inside a GetObjectPropList dataset (spec.md §6's GetObjectPropList
// fallback rung).
const (
	propObjectFormat   uint16 = 0xDC02
	propObjectSize     uint16 = 0xDC04
	propObjectFileName uint16 = 0xDC07
	propDateModified   uint16 = 0xDC09
	propParentObject   uint16 = 0xDC0B

	datatypeUint16 uint16 = 0x0004
	datatypeUint32 uint16 = 0x0006
	datatypeUint64 uint16 = 0x0008
	datatypeString uint16 = 0xFFFF
)

// decodeObjectPropList parses a GetObjectPropList response payload: a
// u32 element count followed by that many {object-handle, property-
// code, datatype, value} tuples, the value's width determined by its
// own datatype field rather than by which property it belongs to.
// Properties this facade doesn't recognize are skipped by their
// datatype's width so parsing can still reach the next tuple.
func decodeObjectPropList(storageID uint32, buf []byte) ([]mtptypes.ObjectInfo, error) {
	n, ok := ptpcodec.DecodeU32(buf)
	if !ok {
		return nil, errShortDataset("object-prop-list", "element-count")
	}
	off := 4

	order := make([]uint32, 0)
	byHandle := map[uint32]*mtptypes.ObjectInfo{}

	get := func(handle uint32) *mtptypes.ObjectInfo {
		oi, ok := byHandle[handle]
		if !ok {
			oi = &mtptypes.ObjectInfo{Handle: handle, StorageID: storageID, Properties: map[uint16]string{}}
			byHandle[handle] = oi
			order = append(order, handle)
		}
		return oi
	}

	for i := uint32(0); i < n; i++ {
		handle, ok := ptpcodec.DecodeU32(buf[off:])
		if !ok {
			return nil, errShortDataset("object-prop-list", "object-handle")
		}
		off += 4

		propCode, ok := ptpcodec.DecodeU16(buf[off:])
		if !ok {
			return nil, errShortDataset("object-prop-list", "property-code")
		}
		off += 2

		datatype, ok := ptpcodec.DecodeU16(buf[off:])
		if !ok {
			return nil, errShortDataset("object-prop-list", "datatype")
		}
		off += 2

		oi := get(handle)

		switch datatype {
		case datatypeUint16:
			v, ok := ptpcodec.DecodeU16(buf[off:])
			if !ok {
				return nil, errShortDataset("object-prop-list", "uint16-value")
			}
			off += 2
			if propCode == propObjectFormat {
				oi.FormatCode = v
			}

		case datatypeUint32:
			v, ok := ptpcodec.DecodeU32(buf[off:])
			if !ok {
				return nil, errShortDataset("object-prop-list", "uint32-value")
			}
			off += 4
			if propCode == propParentObject {
				oi.ParentHandle = v
				oi.HasParent = v != 0 && v != mtptypes.RootHandle
			}

		case datatypeUint64:
			v, ok := ptpcodec.DecodeU64(buf[off:])
			if !ok {
				return nil, errShortDataset("object-prop-list", "uint64-value")
			}
			off += 8
			if propCode == propObjectSize {
				oi.SizeBytes = v
				oi.HasSize = true
			}

		case datatypeString:
			v, consumed, ok := ptpcodec.DecodeString(buf[off:])
			if !ok {
				return nil, errShortDataset("object-prop-list", "string-value")
			}
			off += consumed
			switch propCode {
			case propObjectFileName:
				oi.Name = v
			case propDateModified:
				if t, ok := parseMTPTime(v); ok {
					oi.ModTime = t
					oi.HasModTime = true
				}
			}

		default:
			return nil, errShortDataset("object-prop-list", "unrecognized-datatype")
		}
	}

	out := make([]mtptypes.ObjectInfo, 0, len(order))
	for _, h := range order {
		out = append(out, *byHandle[h])
	}
	return out, nil
}

const mtpTimeLayout = "20060102T150405"

func parseMTPTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if len(s) > len(mtpTimeLayout) {
		s = s[:len(mtpTimeLayout)]
	}
	t, err := time.Parse(mtpTimeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func formatMTPTime(t time.Time) string {
	return t.UTC().Format(mtpTimeLayout) + ".0"
}

func errShortDataset(dataset, field string) error {
	return mtperr.New(mtperr.KindIO, nil).WithDetail(mtperrDetail(dataset, field))
}

func mtperrDetail(dataset, field string) mtperr.Detail {
	return mtperr.Detail{What: dataset + ": truncated before " + field}
}
