/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Event pump: background poll of the interrupt-in endpoint
 */

// Package eventpump implements spec.md §4.6: a single background task
// polling the interrupt-in endpoint with a small timeout, decoding
// each container into a recognized event or dropping it, and feeding
// the result to a channel the facade wraps as an infinite, restartable
// sequence. Generalizes pnp.go's background poll-and-diff loop
// (poll a list, diff against the previous one, act on the delta) from
// device-attach-list diffing to interrupt-container decoding: the
// loop shape is the same — poll, interpret, emit, repeat — only the
// thing being polled and interpreted has changed.
package eventpump

import (
	"context"
	"time"

	"github.com/alexpevzner/mtpgo/internal/mtplog"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/ptpcodec"
)

// interruptReader abstracts usbtransport.Link's ReadInterrupt method so
// the pump can be driven by a fake bus in tests without pulling in
// gousb. The bool return reports whether the link has an interrupt
// endpoint at all (devices without one run no pump).
type interruptReader interface {
	ReadInterrupt(buf []byte, timeout time.Duration) (int, error, bool)
}

// Pump polls the interrupt endpoint and decodes events. Zero value is
// not usable; use New.
type Pump struct {
	link     interruptReader
	log      *mtplog.Logger
	interval time.Duration
	disabled bool
	events   chan mtptypes.Event
}

// New constructs a Pump. interval is clamped by the caller (policy
// resolution already applies spec.md §3's 50-250ms range); disabled
// mirrors the `disable-event-pump` flag, and when true Run never polls
// and only returns once its context is cancelled.
func New(link interruptReader, log *mtplog.Logger, interval time.Duration, disabled bool) *Pump {
	if interval <= 0 {
		interval = mtptypes.MinInterruptPoll
	}
	return &Pump{
		link:     link,
		log:      log,
		interval: interval,
		disabled: disabled,
		events:   make(chan mtptypes.Event, 16),
	}
}

// Events returns the channel events are published on. Consumers
// should keep draining it; a full buffer causes the pump to drop the
// oldest-pending send rather than block the poll loop (spec.md §4.6's
// "at-most-once delivery per container" — a slow consumer may miss
// events, but the pump itself never stalls).
func (p *Pump) Events() <-chan mtptypes.Event {
	return p.events
}

// Run polls until ctx is cancelled or the link reports it has no
// interrupt endpoint, matching the Gateway.Start's extra-goroutine
// signature so the event pump is supervised by the same errgroup as
// the actor goroutine: link close cancels both.
func (p *Pump) Run(ctx context.Context) error {
	if p.disabled {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err, hasEventEP := p.link.ReadInterrupt(buf, p.interval)
		if !hasEventEP {
			return nil
		}
		if err != nil {
			// Timeouts are the normal "nothing happened this tick"
			// case; any other I/O error means the link is going away,
			// which ctx.Done() will observe on the next iteration.
			continue
		}
		if n < ptpcodec.HeaderLen {
			continue
		}

		_, typ, code, _, err := ptpcodec.DecodeHeader(buf[:n])
		if err != nil || typ != ptpcodec.TypeEvent {
			continue
		}

		params := ptpcodec.DecodeParams(buf[ptpcodec.HeaderLen:n])
		ev, ok := decodeEvent(code, params)
		if !ok {
			if p.log != nil {
				p.log.Debug("event pump: ignoring unrecognized event code 0x%04x", code)
			}
			continue
		}

		select {
		case p.events <- ev:
		default:
			// Drain the stalest pending event to make room rather
			// than block the poll loop.
			select {
			case <-p.events:
			default:
			}
			select {
			case p.events <- ev:
			default:
			}
		}
	}
}

// decodeEvent maps a recognized event code to the tagged union;
// unknown codes are ignored per spec.md §4.6.
func decodeEvent(code uint16, params []uint32) (mtptypes.Event, bool) {
	ec := mtptypes.EventCode(code)
	switch ec {
	case mtptypes.EventObjectAdded, mtptypes.EventObjectRemoved:
		var handle uint32
		if len(params) > 0 {
			handle = params[0]
		}
		return mtptypes.Event{Code: ec, ObjectHandle: handle, Params: params}, true
	case mtptypes.EventStorageInfoChanged:
		var storageID uint32
		if len(params) > 0 {
			storageID = params[0]
		}
		return mtptypes.Event{Code: ec, StorageID: storageID, Params: params}, true
	default:
		return mtptypes.Event{}, false
	}
}
