/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * USB transport: enumeration, interface selection, claiming, bulk/interrupt I/O
 */

// Package usbtransport turns a physical USB device into a claimed
// bulk pipe pair plus an optional interrupt endpoint, per spec.md
// §4.1. It replaces the teacher's connection-pooled UsbTransport
// (usbtransport.go) with a single-link-per-device model: MTP has no
// HTTP-style request multiplexing, so one claimed interface serves
// the whole session.
package usbtransport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"

	"github.com/alexpevzner/mtpgo/internal/mtperr"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
)

// Still-Image-Capture / MTP class triple, and the vendor-specific
// class that some devices (notably Android) use instead, relying on
// an "MTP" substring in the interface name (spec.md §4.1).
const (
	classStillImage     = 0x06
	subClassStillImage  = 0x01
	protoStillImage     = 0x01
	classVendorSpecific = 0xff
)

// candidate is one alternate setting considered during interface
// ranking, kept whether or not it wins so Selection can report why
// every loser lost.
type candidate struct {
	ifNum, alt             int
	class, subClass, proto uint8
	in, out, evt           int
	hasEvt                 bool
	name                   string
	score                  int
	reason                 string // non-empty: why this candidate cannot win
}

// Selection is the retained diagnostic record of one interface-ranking
// run: the winning descriptor, its score, and a human-readable log of
// every skipped candidate (spec.md §4.1: "the selection result...is
// retained for diagnostics").
type Selection struct {
	Link    mtptypes.LinkDescriptor
	Score   int
	Skipped []string
}

// score implements spec.md §4.1's interface ranking table exactly.
func score(class, subClass, proto uint8, name string, hasEvt bool) int {
	s := 0
	switch {
	case class == classStillImage && subClass == subClassStillImage && proto == protoStillImage:
		s += 100
	case class == classVendorSpecific && strings.Contains(strings.ToUpper(name), "MTP"):
		s += 60
	}
	if hasEvt {
		s += 5
	}
	upper := strings.ToUpper(name)
	if strings.Contains(upper, "ADB") || strings.Contains(upper, "DEBUG") || strings.Contains(upper, "FASTBOOT") {
		s -= 200
	}
	return s
}

// Enumerate walks the USB bus via ctx and returns a DeviceSummary for
// every device exposing at least one interface eligible for MTP
// (spec.md §4.1's enumerate operation). It generalizes the teacher's
// LibusbGetIppOverUsbDeviceDescs device walk (libusb.go) from a fixed
// printer-class filter to the score-based eligibility test shared with
// Claim.
func Enumerate(ctx *gousb.Context) ([]mtptypes.DeviceSummary, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return hasEligibleInterface(desc)
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("usbtransport: enumerate: %w", err)
	}

	summaries := make([]mtptypes.DeviceSummary, 0, len(devs))
	for _, d := range devs {
		summaries = append(summaries, summarize(d))
		d.Close()
	}
	return summaries, nil
}

func hasEligibleInterface(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if uint8(alt.Class) == classStillImage &&
					uint8(alt.SubClass) == subClassStillImage &&
					uint8(alt.Protocol) == protoStillImage {
					return true
				}
				if uint8(alt.Class) == classVendorSpecific {
					// Name match happens during Claim, once we can
					// read the interface string descriptor; here we
					// only need "plausible", to keep OpenDevices cheap.
					return true
				}
			}
		}
	}
	return false
}

func summarize(d *gousb.Device) mtptypes.DeviceSummary {
	mfg, _ := d.Manufacturer()
	prod, _ := d.Product()
	serial, _ := d.SerialNumber()

	s := mtptypes.DeviceSummary{
		Manufacturer: mfg,
		Model:        prod,
		VendorID:     uint16(d.Desc.Vendor),
		ProductID:    uint16(d.Desc.Product),
		Bus:          uint8(d.Desc.Bus),
		Address:      uint8(d.Desc.Address),
		USBSerial:    serial,
	}
	s.StableID = fmt.Sprintf("%04x:%04x", s.VendorID, s.ProductID)
	if s.USBSerial != "" {
		s.StableID += "-" + s.USBSerial
	}
	return s
}

// Link is a claimed MTP interface: a bulk-in/bulk-out pair plus an
// optional interrupt-in endpoint, generalizing the teacher's
// UsbInterface (usbio_libusb.go) from a cgo libusb handle to a
// gousb.Interface.
type Link struct {
	Descriptor mtptypes.LinkDescriptor

	device *gousb.Device
	config *gousb.Config
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	evt    *gousb.InEndpoint
}

// Claim performs the interface-selection and claim ladder of spec.md
// §4.1's claim operation: open, optional kernel-detach, set
// configuration, select the best-scoring alternate setting, claim,
// optional reset-and-reclaim, stabilize, then probe the link with a
// zero-length handshake write. It generalizes the teacher's
// UsbTransport constructor (usbtransport.go: detach → configure →
// per-interface claim → optional hard reset → open connections) from
// an N-connection pool to the single claimed link MTP needs.
//
// A handshake-probe timeout is classified as handshake-blocked; if
// policy.ResetReopenOnOpenSessionIOError is set, Claim resets the
// device, re-enumerates it at the (possibly changed) bus address, and
// retries the whole claim exactly once before giving up (spec.md §4.1,
// Scenario S1).
func Claim(ctx *gousb.Context, summary mtptypes.DeviceSummary, policy mtptypes.Flags, numbers mtptypes.TuningNumbers) (*Link, *Selection, error) {
	link, sel, err := claimOnce(ctx, summary, policy, numbers)
	if err == nil {
		return link, sel, nil
	}
	if !mtperr.Is(err, mtperr.KindHandshakeBlocked) || !policy.ResetReopenOnOpenSessionIOError {
		return nil, sel, err
	}

	// One-shot recovery ladder: reset, re-enumerate (the bus address
	// can change across a reset), re-claim, retry the handshake.
	resetDev, openErr := openByAddr(ctx, summary)
	if openErr != nil {
		return nil, sel, err
	}
	resetErr := resetDev.Reset()
	resetDev.Close()
	if resetErr != nil {
		return nil, sel, err
	}
	time.Sleep(numbers.StabilizeDelay)

	found, enumErr := Enumerate(ctx)
	if enumErr != nil {
		return nil, sel, err
	}
	resummary := summary
	for _, s := range found {
		if s.VendorID == summary.VendorID && s.ProductID == summary.ProductID {
			resummary = s
			break
		}
	}

	link, sel, retryErr := claimOnce(ctx, resummary, policy, numbers)
	if retryErr != nil {
		return nil, sel, retryErr
	}
	return link, sel, nil
}

// claimOnce is the single pass through open → select → claim →
// stabilize → handshake-probe; Claim wraps it with the reset-reopen
// retry ladder.
func claimOnce(ctx *gousb.Context, summary mtptypes.DeviceSummary, policy mtptypes.Flags, numbers mtptypes.TuningNumbers) (*Link, *Selection, error) {
	dev, err := openByAddr(ctx, summary)
	if err != nil {
		return nil, nil, classifyOpenError(err)
	}

	if policy.RequiresKernelDetach {
		dev.SetAutoDetach(true)
	}

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil || cfgNum == 0 {
		cfgNum = 1
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return nil, nil, mtperr.New(mtperr.KindGenericClaimError, err)
	}

	sel, cand, err := selectInterface(dev, cfg)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, sel, err
	}

	iface, err := cfg.Interface(cand.ifNum, cand.alt)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, sel, classifyClaimError(err)
	}

	link := &Link{
		Descriptor: sel.Link,
		device:     dev,
		config:     cfg,
		iface:      iface,
	}

	if link.in, err = iface.InEndpoint(sel.Link.EndpointIn); err != nil {
		link.release()
		return nil, sel, mtperr.New(mtperr.KindGenericClaimError, err)
	}
	if link.out, err = iface.OutEndpoint(sel.Link.EndpointOut); err != nil {
		link.release()
		return nil, sel, mtperr.New(mtperr.KindGenericClaimError, err)
	}
	if sel.Link.HasEventEP {
		link.evt, _ = iface.InEndpoint(sel.Link.EndpointEvt)
	}

	if policy.ResetOnOpen && !policy.SkipPTPReset {
		if err := link.Reset(); err != nil {
			link.release()
			return nil, sel, err
		}
		time.Sleep(numbers.StabilizeDelay)

		iface2, err := cfg.Interface(cand.ifNum, cand.alt)
		if err != nil {
			cfg.Close()
			dev.Close()
			return nil, sel, classifyClaimError(err)
		}
		link.iface = iface2
		if link.in, err = iface2.InEndpoint(sel.Link.EndpointIn); err != nil {
			link.release()
			return nil, sel, mtperr.New(mtperr.KindGenericClaimError, err)
		}
		if link.out, err = iface2.OutEndpoint(sel.Link.EndpointOut); err != nil {
			link.release()
			return nil, sel, mtperr.New(mtperr.KindGenericClaimError, err)
		}
	}

	if policy.RequireStabilization || numbers.StabilizeDelay > 0 {
		time.Sleep(numbers.StabilizeDelay)
	}
	if numbers.PostClaimStabilize > 0 {
		time.Sleep(numbers.PostClaimStabilize)
	}

	if err := link.handshakeProbe(handshakeTimeout(policy, numbers)); err != nil {
		link.release()
		return nil, sel, err
	}

	return link, sel, nil
}

// handshakeTimeout is the handshake probe's deadline: the policy's
// tuned handshake-timeout, doubled when the device needs a longer
// post-claim grace period (spec.md §4.3's needs-longer-open-timeout).
func handshakeTimeout(policy mtptypes.Flags, numbers mtptypes.TuningNumbers) time.Duration {
	t := numbers.HandshakeTimeout
	if t <= 0 {
		t = numbers.IOTimeout
	}
	if policy.NeedsLongerOpenTimeout {
		t *= 2
	}
	return t
}

// handshakeProbe writes a zero-length packet on the bulk-out pipe
// right after claiming, the cheapest possible "is anyone listening"
// check. A timeout here — the device accepted the claim but never
// answers the first command — is classified as handshake-blocked per
// spec.md §4.1, distinct from a claim-time failure.
func (l *Link) handshakeProbe(timeout time.Duration) error {
	_, err := l.WriteBulk(nil, timeout)
	if err == nil {
		return nil
	}
	if mtperr.Is(err, mtperr.KindTransportTimeout) {
		return mtperr.New(mtperr.KindHandshakeBlocked, err)
	}
	return err
}

// openByAddr opens the single device at summary's bus/address, the
// gousb equivalent of the teacher's UsbAddr.Open (usbaddr.go).
func openByAddr(ctx *gousb.Context, summary mtptypes.DeviceSummary) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint8(desc.Bus) == summary.Bus && uint8(desc.Address) == summary.Address
	})
	if len(devs) == 0 {
		if err == nil {
			err = gousb.ErrorNotFound
		}
		return nil, err
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}
	return devs[0], nil
}

// selectInterface runs the ranking table of spec.md §4.1 over every
// alternate setting of cfg and returns the winner plus a diagnostic
// Selection. The interface name used for the vendor-specific "MTP"
// bonus and the "ADB"/"debug"/"fastboot" penalty comes from the
// config's iInterface string descriptor, read on demand.
func selectInterface(dev *gousb.Device, cfg *gousb.Config) (*Selection, candidate, error) {
	var best candidate
	bestSet := false
	var skipped []string

	desc := dev.Desc
	cfgDesc, ok := desc.Configs[cfg.Desc.Number]
	if !ok {
		return nil, candidate{}, mtperr.New(mtperr.KindGenericClaimError,
			fmt.Errorf("usbtransport: configuration %d not present in device descriptor", cfg.Desc.Number))
	}

	for _, intf := range cfgDesc.Interfaces {
		for _, alt := range intf.AltSettings {
			c := candidate{
				ifNum:    alt.Number,
				alt:      alt.Alternate,
				class:    uint8(alt.Class),
				subClass: uint8(alt.SubClass),
				proto:    uint8(alt.Protocol),
				in:       -1,
				out:      -1,
			}
			c.name, _ = dev.InterfaceDescription(cfg.Desc.Number, alt.Number, alt.Alternate)

			for addr, ep := range alt.Endpoints {
				num := int(addr) & 0x0f
				switch {
				case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeBulk:
					c.in = num
				case ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk:
					c.out = num
				case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeInterrupt:
					c.evt = num
					c.hasEvt = true
				}
			}

			if c.in < 0 || c.out < 0 {
				c.reason = fmt.Sprintf("ifnum=%d alt=%d: no bulk in/out pair", c.ifNum, c.alt)
				skipped = append(skipped, c.reason)
				continue
			}

			c.score = score(c.class, c.subClass, c.proto, c.name, c.hasEvt)

			if !bestSet || c.score > best.score ||
				(c.score == best.score && (c.ifNum < best.ifNum ||
					(c.ifNum == best.ifNum && c.alt < best.alt))) {
				if bestSet {
					skipped = append(skipped, fmt.Sprintf("ifnum=%d alt=%d: outscored (score=%d)", best.ifNum, best.alt, best.score))
				}
				best = c
				bestSet = true
			} else {
				skipped = append(skipped, fmt.Sprintf("ifnum=%d alt=%d: outscored (score=%d)", c.ifNum, c.alt, c.score))
			}
		}
	}

	if !bestSet {
		return &Selection{Skipped: skipped}, candidate{}, mtperr.New(mtperr.KindNoDevice,
			fmt.Errorf("usbtransport: no interface exposes a usable bulk in/out pair"))
	}

	sel := &Selection{
		Score:   best.score,
		Skipped: skipped,
		Link: mtptypes.LinkDescriptor{
			InterfaceNumber: best.ifNum,
			Class:           best.class,
			SubClass:        best.subClass,
			Protocol:        best.proto,
			EndpointIn:      uint8(best.in),
			EndpointOut:     uint8(best.out),
			EndpointEvt:     uint8(best.evt),
			HasEventEP:      best.hasEvt,
		},
	}
	return sel, best, nil
}

// classifyOpenError maps a gousb open/enumerate failure onto spec.md
// §4.1's failure taxonomy.
func classifyOpenError(err error) error {
	switch {
	case err == gousb.ErrorNotFound:
		return mtperr.New(mtperr.KindDeviceDisconnected, err)
	default:
		return mtperr.New(mtperr.KindGenericClaimError, err)
	}
}

// classifyClaimError maps a gousb interface-claim failure onto
// spec.md §4.1's failure taxonomy: busy/access → claim-conflict,
// not-found → device-disconnected, everything else →
// generic-claim-error.
func classifyClaimError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy") || strings.Contains(msg, "access"):
		return mtperr.New(mtperr.KindClaimConflict, err)
	case strings.Contains(msg, "no such device") || strings.Contains(msg, "not found"):
		return mtperr.New(mtperr.KindDeviceDisconnected, err)
	default:
		return mtperr.New(mtperr.KindGenericClaimError, err)
	}
}

func (l *Link) release() {
	if l.iface != nil {
		l.iface.Close()
	}
	if l.config != nil {
		l.config.Close()
	}
	if l.device != nil {
		l.device.Close()
	}
}

// ReadBulk performs a single transfer on the bulk-in pipe, per
// spec.md §4.1's read-bulk operation. A timeout is surfaced as
// mtperr.KindTransportTimeout, distinct from other I/O errors.
func (l *Link) ReadBulk(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := l.in.ReadContext(ctx, buf)
	return n, classifyIOError(err)
}

// WriteBulk performs a single transfer on the bulk-out pipe.
func (l *Link) WriteBulk(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := l.out.WriteContext(ctx, buf)
	return n, classifyIOError(err)
}

// ReadInterrupt performs a single transfer on the interrupt-in
// endpoint, used only by the event pump. It returns (0, nil, false)
// if the link has no interrupt endpoint.
func (l *Link) ReadInterrupt(buf []byte, timeout time.Duration) (int, error, bool) {
	if l.evt == nil {
		return 0, nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := l.evt.ReadContext(ctx, buf)
	return n, classifyIOError(err), true
}

func classifyIOError(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return mtperr.New(mtperr.KindTransportTimeout, err)
	}
	return mtperr.New(mtperr.KindIO, err)
}

// Reset issues a full device reset, invalidating the current claim
// (spec.md §4.1's reset operation).
func (l *Link) Reset() error {
	if err := l.device.Reset(); err != nil {
		return mtperr.New(mtperr.KindIO, err)
	}
	return nil
}

// Close releases the interface, configuration and device handle.
func (l *Link) Close() {
	l.release()
}

// MaxPacketSize returns the bulk-in endpoint's maximum packet size,
// needed by the transaction engine to decide whether a ZLP must
// follow a data phase (spec.md §4.2).
func (l *Link) MaxPacketSize() int {
	if l.in == nil {
		return 0
	}
	return l.in.Desc.MaxPacketSize
}
