/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Error taxonomy
 */

// Package mtperr implements the tagged-union error taxonomy of the
// device-session runtime: transport, protocol, semantic and flow
// errors, each carrying a Kind plus optional structured detail. This
// replaces the flat sentinel-error style of the teacher daemon
// (one errors.New per condition) with an explicit hierarchy that
// conversions can dispatch on, per the "error hierarchy" design note.
package mtperr

import (
	"errors"
	"fmt"
)

// Kind identifies one error category from the taxonomy. Kinds are not
// types: a single Go error type (*Error) carries a Kind field, so
// higher layers match on Kind rather than on Go type assertions.
type Kind int

const (
	// Transport kinds.
	KindNoDevice Kind = iota
	KindClaimConflict
	KindKernelDriver
	KindTransportTimeout
	KindBusy
	KindAccessDenied
	KindIO
	KindDeviceDisconnected
	KindHandshakeBlocked
	KindGenericClaimError

	// Protocol kinds.
	KindDeviceError
	KindInvalidParameter
	KindSessionAlreadyOpen
	KindDeviceBusy

	// Semantic kinds.
	KindObjectNotFound
	KindObjectWriteProtected
	KindStorageFull
	KindReadOnly
	KindPreconditionFailed
	KindNotSupported

	// Flow kinds.
	KindCancelled
	KindFlowTimeout
	KindSessionLost
)

var kindNames = map[Kind]string{
	KindNoDevice:             "no-device",
	KindClaimConflict:        "claim-conflict",
	KindKernelDriver:         "kernel-driver",
	KindTransportTimeout:     "timeout",
	KindBusy:                 "busy",
	KindAccessDenied:         "access-denied",
	KindIO:                   "io",
	KindDeviceDisconnected:   "device-disconnected",
	KindHandshakeBlocked:     "handshake-blocked",
	KindGenericClaimError:    "generic-claim-error",
	KindDeviceError:          "device-error",
	KindInvalidParameter:     "invalid-parameter",
	KindSessionAlreadyOpen:   "session-already-open",
	KindDeviceBusy:           "device-busy",
	KindObjectNotFound:       "object-not-found",
	KindObjectWriteProtected: "object-write-protected",
	KindStorageFull:          "storage-full",
	KindReadOnly:             "read-only",
	KindPreconditionFailed:   "precondition-failed",
	KindNotSupported:         "not-supported",
	KindCancelled:            "cancelled",
	KindFlowTimeout:          "timeout",
	KindSessionLost:          "session-lost",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Detail carries kind-specific structured data. Only the fields
// relevant to the error's Kind are populated; the rest are zero.
type Detail struct {
	LibusbCode         int    // claim-conflict
	Interface          int    // claim-conflict
	ConflictingProcess string // claim-conflict, optional

	Code    uint16 // device-error and its sub-kinds: raw PTP response code
	Message string // device-error: human string

	Reason string // precondition-failed
	What   string // not-supported, io
}

// Error is the concrete error type every mtpgo component returns. It
// wraps an optional underlying error and carries the Kind plus Detail
// needed for callers to dispatch without string matching.
type Error struct {
	Kind   Kind
	Detail Detail
	Err    error
}

func (e *Error) Error() string {
	msg := Message(e.Kind, e.Detail.Code)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given Kind wrapping err (which may
// be nil).
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithDetail returns a copy of e with Detail set to d.
func (e *Error) WithDetail(d Detail) *Error {
	e2 := *e
	e2.Detail = d
	return &e2
}

// Is reports whether err is an *Error of the given Kind, unwrapping
// through the standard errors chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// DeviceErrorKind maps a raw PTP response code to its protocol
// sub-kind, per spec.md §7: 0x201D, 0x201E and 0x2019 get named
// sub-kinds; everything else is the generic device-error kind.
func DeviceErrorKind(code uint16) Kind {
	switch code {
	case 0x201D:
		return KindInvalidParameter
	case 0x201E:
		return KindSessionAlreadyOpen
	case 0x2019:
		return KindDeviceBusy
	default:
		return KindDeviceError
	}
}

// Message returns the concise, action-oriented, user-visible string
// for a (kind, code) pair. code is only consulted for the
// device-error family; it is ignored otherwise.
func Message(kind Kind, code uint16) string {
	switch kind {
	case KindNoDevice:
		return "no matching device found"
	case KindClaimConflict:
		return "USB interface is held by another process"
	case KindKernelDriver:
		return "failed to detach kernel driver"
	case KindTransportTimeout:
		return "USB transfer timed out"
	case KindBusy:
		return "USB endpoint busy"
	case KindAccessDenied:
		return "access to the USB device was denied"
	case KindIO:
		return "USB I/O error"
	case KindDeviceDisconnected:
		return "device was disconnected"
	case KindHandshakeBlocked:
		return "device did not respond to the first command after claim"
	case KindGenericClaimError:
		return "failed to claim the USB interface"
	case KindInvalidParameter:
		return "device rejected the request (invalid parameter)"
	case KindSessionAlreadyOpen:
		return "device reports a session is already open"
	case KindDeviceBusy:
		return "device is busy"
	case KindDeviceError:
		return fmt.Sprintf("device returned error code 0x%04x", code)
	case KindObjectNotFound:
		return "object not found"
	case KindObjectWriteProtected:
		return "object is write protected"
	case KindStorageFull:
		return "storage is full"
	case KindReadOnly:
		return "storage is read-only"
	case KindPreconditionFailed:
		return "precondition failed, transfer cannot resume"
	case KindNotSupported:
		return "operation not supported by this device"
	case KindCancelled:
		return "operation cancelled"
	case KindFlowTimeout:
		return "operation deadline exceeded"
	case KindSessionLost:
		return "protocol session lost (transaction-id desynchronized)"
	default:
		return "unknown error"
	}
}

// IsTimeout reports whether err is either flavor of timeout: a
// transport-level timeout or a flow-level deadline expiry. This is
// the generalized equivalent of the teacher's ErrIsEOF helper in
// err.go — a small is-this-the-recoverable-case predicate.
func IsTimeout(err error) bool {
	return Is(err, KindTransportTimeout) || Is(err, KindFlowTimeout)
}

// IsDeviceError reports whether err is any member of the
// device-error family (generic or one of its named sub-kinds).
func IsDeviceError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindDeviceError, KindInvalidParameter, KindSessionAlreadyOpen, KindDeviceBusy:
		return true
	default:
		return false
	}
}
