/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * PTP/MTP opcodes and response codes used by the facade
 */

package mtp

// Operation codes, per spec.md §6's "USB wire protocol" table.
const (
	opGetDeviceInfo      uint16 = 0x1001
	opGetStorageIDs      uint16 = 0x1004
	opGetStorageInfo     uint16 = 0x1005
	opGetObjectHandles   uint16 = 0x1007
	opGetObjectInfo      uint16 = 0x1008
	opGetObject          uint16 = 0x1009
	opDeleteObject       uint16 = 0x100B
	opSendObjectInfo     uint16 = 0x100C
	opSendObject         uint16 = 0x100D
	opGetPartialObject   uint16 = 0x101B
	opMoveObject         uint16 = 0x1019
	opGetObjectPropList  uint16 = 0x9805
	opSendPartialObject  uint16 = 0x95C1
	opGetPartialObject64 uint16 = 0x95C4
)

// Response codes of interest, per spec.md §6.
const (
	rcOK                   uint16 = 0x2001
	rcInvalidParameter     uint16 = 0x201D
	rcSessionAlreadyOpen   uint16 = 0x201E
	rcDeviceBusy           uint16 = 0x2019
	rcOperationNotSupported uint16 = 0x2005
)

// formatAssociation and formatUndefined are the MTP object-format
// codes this facade writes in SendObjectInfo: 0x3001 for folders
// (AssociationType 0x0001, GenericFolder), 0x3000 (Undefined) for
// everything else, letting the device's own format-sniffing apply.
const (
	formatUndefined  uint16 = 0x3000
	formatAssociation uint16 = 0x3001

	associationGenericFolder uint16 = 0x0001
)
