/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Device object brings all parts together
 */

// Package mtp is the device facade of spec.md §6: the narrow
// device-operation API external collaborators (CLI, GUI, sync
// engines) consume. It wires internal/usbtransport, internal/ptplink,
// internal/policy, internal/gateway, internal/journal,
// internal/identity and internal/eventpump into one cohesive Device,
// the same role device.go plays for ipp-usb's HTTP proxy/USB
// transport/DNS-SD publisher trio.
package mtp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"

	"github.com/alexpevzner/mtpgo/internal/eventpump"
	"github.com/alexpevzner/mtpgo/internal/gateway"
	"github.com/alexpevzner/mtpgo/internal/identity"
	"github.com/alexpevzner/mtpgo/internal/journal"
	"github.com/alexpevzner/mtpgo/internal/ladder"
	"github.com/alexpevzner/mtpgo/internal/mtpconf"
	"github.com/alexpevzner/mtpgo/internal/mtperr"
	"github.com/alexpevzner/mtpgo/internal/mtplog"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/policy"
	"github.com/alexpevzner/mtpgo/internal/ptplink"
	"github.com/alexpevzner/mtpgo/internal/quirks"
	"github.com/alexpevzner/mtpgo/internal/usbtransport"
)

// Options is the set of shared, typically process-wide collaborators
// a Device is opened against: the quirk catalog, the learned-profile
// and journal and identity stores (all bbolt-backed, opened once per
// process per DESIGN.md), environment overrides, and a logger.
type Options struct {
	Catalog   *quirks.Catalog
	Learned   *policy.LearnedStore
	Journal   *journal.Store
	Identity  *identity.Store
	Overrides mtpconf.Overrides
	Log       *mtplog.Logger
}

// Device is one claimed MTP device session: a USB link, a serializing
// gateway, a background event pump, and the resolved policy governing
// their behavior. There is one Device per physical device, for the
// lifetime of one claim.
type Device struct {
	Summary  mtptypes.DeviceSummary
	DomainID string
	Log      *mtplog.Logger

	link    *usbtransport.Link
	ptp     *ptplink.Link
	gw      *gateway.Gateway
	pump    *eventpump.Pump
	journal *journal.Store
	ids     *identity.Store

	mu        sync.Mutex
	effective policy.EffectivePolicy
	info      *mtptypes.DeviceInfo
	sessionID uint32

	ladderMu       sync.Mutex
	ladderAttempts map[string][]ladder.Attempt
}

// Open claims summary's device, resolves its policy, and starts the
// gateway and event pump. It mirrors device.go's NewDevice: every
// fallible step is followed by an unwind of everything acquired so
// far on error, rather than leaving a half-built Device behind.
func Open(ctx context.Context, usbCtx *gousb.Context, summary mtptypes.DeviceSummary, opts Options) (*Device, error) {
	log := opts.Log
	if log == nil {
		log = mtplog.New(logrus.StandardLogger(), mtplog.LogError|mtplog.LogInfo)
	}

	dev := &Device{
		Summary: summary,
		Log:     log,
		journal: opts.Journal,
		ids:     opts.Identity,
	}

	var err error
	var quirkRec mtptypes.QuirkRecord
	var hasQuirk bool
	var claimFlags mtptypes.Flags
	var claimNumbers mtptypes.TuningNumbers
	var link *usbtransport.Link
	var sel *usbtransport.Selection
	var fp mtptypes.Fingerprint
	var learnedRec *policy.LearnedRecord
	var fallback mtptypes.QuirkRecord
	var isStillImage bool
	var probed policy.ProbedCapabilities

	if opts.Catalog != nil {
		quirkRec, hasQuirk = opts.Catalog.Match(mtptypes.Fingerprint{
			VendorID:  summary.VendorID,
			ProductID: summary.ProductID,
		}, summary.Model)
	}

	claimPolicy := policy.Resolve(policy.ProbedCapabilities{}, nil,
		quirkPtr(quirkRec, hasQuirk), false, quirks.CameraDefaultsFallback(), opts.Overrides)
	claimFlags = claimPolicy.Flags
	claimNumbers = claimPolicy.Numbers

	link, sel, err = usbtransport.Claim(usbCtx, summary, claimFlags, claimNumbers)
	if err != nil {
		goto ERROR
	}
	dev.link = link

	isStillImage = sel.Link.Class == 0x06

	fp = mtptypes.Fingerprint{
		VendorID:    summary.VendorID,
		ProductID:   summary.ProductID,
		Class:       sel.Link.Class,
		SubClass:    sel.Link.SubClass,
		Protocol:    sel.Link.Protocol,
		EndpointIn:  sel.Link.EndpointIn,
		EndpointOut: sel.Link.EndpointOut,
		EndpointEvt: sel.Link.EndpointEvt,
	}

	if opts.Learned != nil {
		learnedRec, err = opts.Learned.Get(fp.Hash(), fp.BCDDevice)
		if err != nil {
			goto ERROR
		}
	}

	// A device that requires an open session before it will answer
	// GetDeviceInfo cannot be safely probed here: probing blind would
	// itself need a session, defeating the point. Such devices simply
	// run with whatever the quirk/override layers already resolved.
	if !claimFlags.RequiresSessionBeforeDeviceInfo {
		probed = probeCapabilities(link, log, claimPolicy)
	}

	fallback = quirks.CameraDefaultsFallback()
	dev.effective = policy.Resolve(probed, learnedRec,
		quirkPtr(quirkRec, hasQuirk), isStillImage, fallback, opts.Overrides)

	dev.ptp = ptplink.New(link, log, ptplink.Config{
		ChunkBytes:         dev.effective.Numbers.MaxChunkBytes,
		IOTimeout:          dev.effective.Numbers.IOTimeout,
		NeedsShortReads:    dev.effective.Flags.NeedsShortReads,
		ResetTxIDOnSession: dev.effective.Flags.TransactionIDResetsOnSession,
	})

	if opts.Identity != nil {
		dev.DomainID, err = opts.Identity.ResolveIdentity(identity.Signals{
			VendorID:  summary.VendorID,
			ProductID: summary.ProductID,
			USBSerial: summary.USBSerial,
			Bus:       summary.Bus,
			Address:   summary.Address,
		})
		if err != nil {
			goto ERROR
		}
	}

	dev.gw = gateway.New(link, log)
	dev.pump = eventpump.New(link, log, dev.effective.Numbers.InterruptPollInterval,
		dev.effective.Flags.DisableEventPump)
	dev.gw.Start(ctx, dev.pump.Run)

	return dev, nil

ERROR:
	if dev.gw != nil {
		_ = dev.gw.Stop()
	}
	if link != nil {
		link.Close()
	}
	return nil, err
}

func quirkPtr(rec mtptypes.QuirkRecord, ok bool) *mtptypes.QuirkRecord {
	if !ok {
		return nil
	}
	return &rec
}

// probeCapabilities issues a session-less GetDeviceInfo over a
// throwaway transaction engine and reads OperationsSupported to
// populate layer 2 of the policy resolver (spec.md §4.3's probed
// layer). A probe failure is never fatal to Open: it just leaves
// ProbedCapabilities unset, so lower layers fall through to their
// defaults/quirk values as if probing had never run.
func probeCapabilities(link *usbtransport.Link, log *mtplog.Logger, claimPolicy policy.EffectivePolicy) policy.ProbedCapabilities {
	probe := ptplink.New(link, log, ptplink.Config{
		ChunkBytes:      claimPolicy.Numbers.MaxChunkBytes,
		IOTimeout:        claimPolicy.Numbers.IOTimeout,
		NeedsShortReads: claimPolicy.Flags.NeedsShortReads,
	})

	var payload []byte
	resp, err := probe.ExecuteStreaming(ptplink.Command{Code: opGetDeviceInfo}, 0,
		func(chunk []byte) (bool, error) {
			payload = append(payload, chunk...)
			return true, nil
		}, nil)
	if err != nil || !resp.OK() {
		return policy.ProbedCapabilities{}
	}

	info, err := decodeDeviceInfo(payload)
	if err != nil {
		return policy.ProbedCapabilities{}
	}

	return policy.ProbedCapabilities{
		SupportsPartialRead64:     triFromBool(info.SupportsOp(opGetPartialObject64)),
		SupportsPartialRead32:     triFromBool(info.SupportsOp(opGetPartialObject)),
		SupportsPartialWrite:      triFromBool(info.SupportsOp(opSendPartialObject)),
		SupportsGetObjectPropList: triFromBool(info.SupportsOp(opGetObjectPropList)),
	}
}

func triFromBool(b bool) policy.Tri {
	if b {
		return policy.TriTrue
	}
	return policy.TriFalse
}

// recordLadderAttempts retains the most recent attempt log for a named
// fallback ladder (e.g. "read-chunk", "list"), so diagnostics and
// tests can inspect exactly which rungs were tried, per spec.md §4.4's
// Testable Property 8.
func (d *Device) recordLadderAttempts(name string, attempts []ladder.Attempt) {
	d.ladderMu.Lock()
	defer d.ladderMu.Unlock()
	if d.ladderAttempts == nil {
		d.ladderAttempts = map[string][]ladder.Attempt{}
	}
	d.ladderAttempts[name] = attempts
}

// LadderAttempts returns the most recent attempt log recorded under
// name, or nil if that ladder has never run.
func (d *Device) LadderAttempts(name string) []ladder.Attempt {
	d.ladderMu.Lock()
	defer d.ladderMu.Unlock()
	return d.ladderAttempts[name]
}

// EnsureSession opens a session if one isn't already open, per spec.md
// §6's ensure-session operation, and populates Info() with the
// device's GetDeviceInfo response the first time it runs.
func (d *Device) EnsureSession(ctx context.Context) error {
	d.mu.Lock()
	if d.sessionID != 0 {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	_, err := d.gw.Submit(ctx, gateway.Critical, func(ctx context.Context) (interface{}, error) {
		id := uint32(1)
		if err := d.ptp.OpenSession(id); err != nil {
			return nil, err
		}

		resp, payload, err := d.executeWithData(ptplink.Command{Code: opGetDeviceInfo})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil)
		}

		info, err := decodeDeviceInfo(payload)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.sessionID = id
		d.info = &info
		d.mu.Unlock()
		return nil, nil
	})
	return err
}

// executeWithData runs cmd expecting an incoming data phase and
// returns the reassembled payload alongside the response.
func (d *Device) executeWithData(cmd ptplink.Command) (ptplink.Response, []byte, error) {
	var payload []byte
	resp, err := d.ptp.ExecuteStreaming(cmd, 0, func(chunk []byte) (bool, error) {
		payload = append(payload, chunk...)
		return true, nil
	}, nil)
	return resp, payload, err
}

// Info returns the device's GetDeviceInfo response, ensuring a
// session is open first.
func (d *Device) Info(ctx context.Context) (mtptypes.DeviceInfo, error) {
	if err := d.EnsureSession(ctx); err != nil {
		return mtptypes.DeviceInfo{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.info == nil {
		return mtptypes.DeviceInfo{}, mtperr.New(mtperr.KindPreconditionFailed, nil)
	}
	return *d.info, nil
}

// policySnapshot returns the resolved policy under lock, safe to read
// concurrently from operation goroutines.
func (d *Device) policySnapshot() policy.EffectivePolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.effective
}

// Shutdown closes the session and releases the link, waiting for the
// gateway and event pump to finish. If ctx expires first, Shutdown
// returns its error without forcibly killing the underlying link.
func (d *Device) Shutdown(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, _ = d.gw.Submit(closeCtx, gateway.Critical, func(ctx context.Context) (interface{}, error) {
		return nil, d.ptp.CloseSession()
	})

	done := make(chan error, 1)
	go func() { done <- d.gw.Stop() }()

	select {
	case err := <-done:
		d.link.Close()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases resources unconditionally, without attempting a
// graceful CloseSession. Used for the error-unwind path during Open
// and for forceful teardown.
func (d *Device) Close() {
	if d.gw != nil {
		_ = d.gw.Stop()
	}
	if d.link != nil {
		d.link.Close()
	}
}

// fingerprintSummary formats a log-friendly identity string.
func fingerprintSummary(s mtptypes.DeviceSummary) string {
	return fmt.Sprintf("%04x:%04x %s", s.VendorID, s.ProductID, s.Model)
}
