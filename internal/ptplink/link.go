/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * PTP container framing and the single-transaction-at-a-time engine
 */

// Package ptplink implements the PTP-over-USB wire protocol on top of
// a claimed bulk link: session open/close, command/data/response
// transactions, and the data-phase reassembly rules of spec.md §4.2.
// It generalizes mtplvcap's DeviceDirect.runTransaction/bulkWrite/
// bulkRead/Configure from a single hard-wired device handle to any
// type satisfying bulkReadWriter, so the engine runs identically
// against a claimed usbtransport.Link or a scriptable fake bus in
// tests.
package ptplink

import (
	"bytes"
	"sync"
	"time"

	"github.com/alexpevzner/mtpgo/internal/mtperr"
	"github.com/alexpevzner/mtpgo/internal/mtplog"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/ptpcodec"
)

// MTP operation and response codes the engine itself must recognize
// to run the session-management state machine. Everything else is
// opaque to this layer and is passed through verbatim.
const (
	opOpenSession  uint16 = 0x1002
	opCloseSession uint16 = 0x1003

	rcOK                = 0x2001
	rcSessionAlreadyOpen = 0x201E
)

// bulkReadWriter is the contract ptplink needs from a claimed link:
// timed bulk transfers plus the endpoint's max packet size (needed to
// detect and emit ZLPs). usbtransport.Link satisfies this structurally;
// the scriptable fakeBus in link_test.go implements it too, so the
// transaction engine's own tests never touch real hardware.
type bulkReadWriter interface {
	ReadBulk(buf []byte, timeout time.Duration) (int, error)
	WriteBulk(buf []byte, timeout time.Duration) (int, error)
	MaxPacketSize() int
}

// State is the per-session state machine position of spec.md §4.2.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateInTx
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateInTx:
		return "in-tx"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Command is a request to execute(), the no-data-phase shape of
// spec.md §4.2's public contract.
type Command struct {
	Code   uint16
	Params []uint32
}

// Response is what execute/execute-streaming hands back: the response
// container's code and parameters.
type Response struct {
	Code   uint16
	Params []uint32
}

// OK reports whether the response carries the universal device-OK
// code. Callers that need a richer classification use
// mtperr.DeviceErrorKind on a non-OK Code.
func (r Response) OK() bool { return r.Code == rcOK }

// InHandler and OutHandler stream one data-phase direction. InHandler
// is called repeatedly with chunks read from the device; it returns
// false to stop early. OutHandler is called repeatedly to produce
// chunks to write; it returns (nil, false) when there is no more
// data.
type (
	InHandler  func(chunk []byte) (cont bool, err error)
	OutHandler func() (chunk []byte, ok bool, err error)
)

// Link drives one PTP session over a bulkReadWriter. It is not safe
// for concurrent use — spec.md's invariant is that no two concurrent
// operations ever touch the bulk pipes for a given device, enforced
// one layer up by internal/gateway's single-in-flight semaphore; Link
// itself assumes its caller already serializes.
type Link struct {
	bus bulkReadWriter
	log *mtplog.Logger

	mu    sync.Mutex
	state State

	sessionID uint32
	txid      uuint32Counter

	needsShortReads    bool
	chunkSize          int64
	ioTimeout          time.Duration
	resetTxIDOnSession bool

	ring *transactionRing
}

// uuint32Counter avoids exporting a bare uint32 field while keeping
// the zero value meaningful ("no transactions issued yet").
type uuint32Counter struct {
	next uint32
	seen bool
}

func (c *uuint32Counter) reset(start uint32) {
	c.next = start
	c.seen = false
}

// advance returns the id to use for the next transaction and moves
// the counter forward, skipping the reserved 0xFFFFFFFF value per
// spec.md §4.2; past 0xFFFFFFFE it wraps to 1, so 0 is never issued.
func (c *uuint32Counter) advance() uint32 {
	if !c.seen {
		c.seen = true
		if c.next == 0xFFFFFFFF {
			c.next++
		}
		return c.next
	}
	c.next++
	if c.next == 0xFFFFFFFF {
		c.next = 1
	}
	return c.next
}

// Config parameters wired from the effective policy (internal/policy)
// at construction time. The transaction ID counter always starts at 1
// for the link's first session; ResetTxIDOnSession additionally seeds
// it back to 1 every time OpenSession has to close a stale session and
// retry, per the transaction-id-resets-on-session flag (spec.md §4.2).
// 0 itself is never issued — advance() treats the counter as
// "uninitialized" until its first use.
type Config struct {
	ChunkBytes         int64
	IOTimeout          time.Duration
	NeedsShortReads    bool
	ResetTxIDOnSession bool
}

// New constructs a Link bound to bus, not yet in any session.
func New(bus bulkReadWriter, log *mtplog.Logger, cfg Config) *Link {
	l := &Link{
		bus:                bus,
		log:                log,
		state:              StateIdle,
		needsShortReads:    cfg.NeedsShortReads,
		chunkSize:          cfg.ChunkBytes,
		ioTimeout:          cfg.IOTimeout,
		resetTxIDOnSession: cfg.ResetTxIDOnSession,
		ring:               newTransactionRing(1000),
	}
	if l.chunkSize <= 0 {
		l.chunkSize = mtptypes.MinChunkBytes
	}
	l.txid.reset(1)
	return l
}

// State returns the engine's current state-machine position.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transactions returns a snapshot of the diagnostic ring buffer, most
// recent last.
func (l *Link) Transactions() []mtptypes.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.snapshot()
}

// OpenSession sends OpenSession(id). On SessionAlreadyOpen it closes
// and retries once, generalizing mtplvcap's Configure() recovery path.
func (l *Link) OpenSession(id uint32) error {
	l.mu.Lock()
	l.state = StateOpening
	l.mu.Unlock()

	resp, err := l.runTransaction(opOpenSession, []uint32{id}, nil, nil, 0)
	if err != nil {
		l.mu.Lock()
		l.state = StateIdle
		l.mu.Unlock()
		return err
	}

	if resp.Code == rcSessionAlreadyOpen {
		if l.log != nil {
			l.log.Debug("session already open, closing and retrying")
		}
		// The stale session belongs to a previous host run, not this
		// engine instance, so send the close command unconditionally
		// rather than going through CloseSession's own-state guard.
		_, _ = l.runTransaction(opCloseSession, nil, nil, nil, 0)
		if l.resetTxIDOnSession {
			l.mu.Lock()
			l.txid.reset(1)
			l.mu.Unlock()
		}
		resp, err = l.runTransaction(opOpenSession, []uint32{id}, nil, nil, 0)
		if err != nil {
			return err
		}
	}

	if resp.Code != rcOK {
		l.mu.Lock()
		l.state = StateIdle
		l.mu.Unlock()
		return mtperr.New(mtperr.DeviceErrorKind(resp.Code), nil).WithDetail(mtperr.Detail{Code: resp.Code})
	}

	l.mu.Lock()
	l.sessionID = id
	l.state = StateOpen
	l.mu.Unlock()
	return nil
}

// CloseSession is best-effort: once the link is in any state other
// than Open/InTx it is a no-op, and any transport error from the
// close command itself is swallowed, per spec.md §4.2 ("never
// surfaces errors after the link is known dead").
func (l *Link) CloseSession() error {
	l.mu.Lock()
	if l.state != StateOpen && l.state != StateInTx {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosing
	l.mu.Unlock()

	_, _ = l.runTransaction(opCloseSession, nil, nil, nil, 0)

	l.mu.Lock()
	l.state = StateClosed
	l.mu.Unlock()
	return nil
}

// Execute sends a command with no data phase.
func (l *Link) Execute(cmd Command) (Response, error) {
	return l.runTransaction(cmd.Code, cmd.Params, nil, nil, 0)
}

// ExecuteStreaming sends a command and performs a data phase in the
// direction implied by which handler is non-nil. dataLen is the
// logical OUT-direction payload length (ignored for IN); it is also
// used as the command's advertised data-phase length.
func (l *Link) ExecuteStreaming(cmd Command, dataLen int64, in InHandler, out OutHandler) (Response, error) {
	return l.runTransaction(cmd.Code, cmd.Params, in, out, dataLen)
}

// runTransaction is the single choke point every public operation
// funnels through: it assigns a transaction ID, sends the command,
// drives an optional data phase, waits for the response, and records
// the attempt in the diagnostic ring. It mirrors mtplvcap's
// runTransaction/RunTransaction split — the inner function does the
// wire work, the caller decides what a fatal error means.
func (l *Link) runTransaction(code uint16, params []uint32, in InHandler, out OutHandler, dataLen int64) (Response, error) {
	l.mu.Lock()
	txid := l.txid.advance()
	l.state = StateInTx
	l.mu.Unlock()

	started := time.Now()
	var bytesIn, bytesOut int64
	outcome := "ok"

	resp, err := l.doTransaction(txid, code, params, in, out, dataLen, &bytesIn, &bytesOut)

	if err != nil {
		outcome = mtperr.Message(classifyOutcome(err), 0)
		if l.isFatal(err) {
			l.mu.Lock()
			l.state = StateClosed
			l.mu.Unlock()
		} else {
			l.mu.Lock()
			if l.state == StateInTx {
				l.state = StateOpen
			}
			l.mu.Unlock()
		}
	} else {
		l.mu.Lock()
		if l.state == StateInTx {
			l.state = StateOpen
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.ring.record(mtptypes.Transaction{
		TransactionID: txid,
		Opcode:        code,
		Params:        params,
		StartedAt:     started,
		SessionID:     l.sessionID,
		BytesIn:       bytesIn,
		BytesOut:      bytesOut,
		Duration:      time.Since(started),
		Outcome:       outcome,
	})
	l.mu.Unlock()

	return resp, err
}

func classifyOutcome(err error) mtperr.Kind {
	if mtperr.Is(err, mtperr.KindSessionLost) {
		return mtperr.KindSessionLost
	}
	return mtperr.KindIO
}

// isFatal reports whether err should kill the link outright, per
// spec.md §4.2's failure-mode note and mtplvcap's RunTransaction
// ("errors that are likely to affect future transactions lead to
// closing the connection").
func (l *Link) isFatal(err error) bool {
	return mtperr.Is(err, mtperr.KindSessionLost) ||
		mtperr.Is(err, mtperr.KindTransportTimeout) ||
		mtperr.Is(err, mtperr.KindIO) ||
		mtperr.Is(err, mtperr.KindDeviceDisconnected)
}

func (l *Link) doTransaction(txid uint32, code uint16, params []uint32, in InHandler, out OutHandler, dataLen int64, bytesIn, bytesOut *int64) (Response, error) {
	cmd := ptpcodec.Container{
		Type:          ptpcodec.TypeCommand,
		Code:          code,
		TransactionID: txid,
		Params:        params,
	}
	if err := l.sendContainer(&cmd); err != nil {
		return Response{}, err
	}

	if out != nil {
		n, err := l.sendDataPhase(code, txid, dataLen, out)
		*bytesOut = n
		if err != nil {
			return Response{}, err
		}
	}

	var resp Response
	mismatches := 0
	for {
		hdr, payload, err := l.recvContainer()
		if err != nil {
			return Response{}, err
		}

		if hdr.Type == ptpcodec.TypeData {
			n, err := l.recvDataPhase(hdr, payload, in)
			*bytesIn = n
			if err != nil {
				return Response{}, err
			}
			continue
		}

		if hdr.Type != ptpcodec.TypeResponse {
			return Response{}, mtperr.New(mtperr.KindIO, nil).
				WithDetail(mtperr.Detail{What: "unexpected container type while awaiting response"})
		}

		if hdr.TransactionID != txid {
			mismatches++
			if l.log != nil {
				l.log.Debug("transaction id mismatch: got %x want %x", hdr.TransactionID, txid)
			}
			if mismatches >= 3 {
				return Response{}, mtperr.New(mtperr.KindSessionLost, nil)
			}
			continue
		}

		resp = Response{Code: hdr.Code, Params: ptpcodec.DecodeParams(payload)}
		break
	}

	return resp, nil
}

// sendContainer writes a fully-framed container, emitting a trailing
// ZLP when its length is an exact multiple of the endpoint's max
// packet size (spec.md §4.2's OUT-direction ZLP rule applies to
// command containers too, since they share the same bulk-out pipe).
func (l *Link) sendContainer(c *ptpcodec.Container) error {
	buf := c.Encode()
	if _, err := l.bus.WriteBulk(buf, l.ioTimeout); err != nil {
		return classifyIOErr(err)
	}
	if maxPkt := l.bus.MaxPacketSize(); maxPkt > 0 && len(buf)%maxPkt == 0 {
		if _, err := l.bus.WriteBulk(nil, l.ioTimeout); err != nil {
			return classifyIOErr(err)
		}
	}
	return nil
}

// recvContainer reads one container header plus payload off bulk-in,
// honoring needsShortReads by never requesting more than one max
// packet at a time and reassembling in userspace (spec.md §4.2).
func (l *Link) recvContainer() (ptpcodec.Container, []byte, error) {
	maxPkt := l.bus.MaxPacketSize()
	if maxPkt <= 0 {
		maxPkt = 512
	}

	first := make([]byte, maxPkt)
	n, err := l.bus.ReadBulk(first, l.ioTimeout)
	if err != nil {
		return ptpcodec.Container{}, nil, classifyIOErr(err)
	}
	if n < ptpcodec.HeaderLen {
		return ptpcodec.Container{}, nil, mtperr.New(mtperr.KindIO, nil).
			WithDetail(mtperr.Detail{What: "short container header"})
	}

	length, typ, code, txid, err := ptpcodec.DecodeHeader(first[:n])
	if err != nil {
		return ptpcodec.Container{}, nil, mtperr.New(mtperr.KindIO, err)
	}

	var body bytes.Buffer
	body.Write(first[ptpcodec.HeaderLen:n])

	remaining := int64(length) - int64(n)
	for remaining > 0 {
		chunkLen := maxPkt
		if !l.needsShortReads && chunkLen < int(remaining) {
			chunkLen = int(remaining)
			if chunkLen > 1<<20 {
				chunkLen = 1 << 20
			}
		}
		if int64(chunkLen) > remaining {
			chunkLen = int(remaining)
		}
		buf := make([]byte, chunkLen)
		m, err := l.bus.ReadBulk(buf, l.ioTimeout)
		if err != nil {
			return ptpcodec.Container{}, nil, classifyIOErr(err)
		}
		body.Write(buf[:m])
		remaining -= int64(m)
		if m == 0 {
			break
		}
	}

	if int(length)%maxPkt == 0 {
		zlp := make([]byte, maxPkt)
		_, _ = l.bus.ReadBulk(zlp, l.ioTimeout)
	}

	return ptpcodec.Container{Type: typ, Code: code, TransactionID: txid}, body.Bytes(), nil
}

// sendDataPhase writes the OUT-direction data phase by pulling chunks
// from out. The first write carries the 12-byte Data container header
// declaring the full advertised length, dataLen; every subsequent
// write is a raw continuation of the same data phase, one write per
// chunk from out — mirroring mtplvcap's bulkWrite, which writes the
// header inline with the first packet and streams the rest
// headerless. Chunks are not split: one longer than chunkSize fails
// the data phase.
func (l *Link) sendDataPhase(code uint16, txid uint32, dataLen int64, out OutHandler) (int64, error) {
	var total int64
	first := true
	maxPkt := l.bus.MaxPacketSize()

	hdrBuf := make([]byte, 0, ptpcodec.HeaderLen)
	hdrBuf = append(hdrBuf, ptpcodec.EncodeU32(uint32(ptpcodec.HeaderLen)+uint32(dataLen))...)
	hdrBuf = append(hdrBuf, ptpcodec.EncodeU16(ptpcodec.TypeData)...)
	hdrBuf = append(hdrBuf, ptpcodec.EncodeU16(code)...)
	hdrBuf = append(hdrBuf, ptpcodec.EncodeU32(txid)...)

	for {
		chunk, ok, err := out()
		if err != nil {
			return total, err
		}
		if !ok {
			break
		}
		if int64(len(chunk)) > l.chunkSize {
			return total, mtperr.New(mtperr.KindIO, nil).
				WithDetail(mtperr.Detail{What: "out-handler chunk exceeds effective policy chunk size"})
		}

		buf := chunk
		if first {
			buf = append(append([]byte(nil), hdrBuf...), chunk...)
			first = false
		}

		if _, err := l.bus.WriteBulk(buf, l.ioTimeout); err != nil {
			return total, classifyIOErr(err)
		}
		total += int64(len(chunk))
	}

	if first {
		// No chunks were ever produced: the data phase is still
		// exactly the 12-byte header with a zero-length payload.
		if _, err := l.bus.WriteBulk(hdrBuf, l.ioTimeout); err != nil {
			return total, classifyIOErr(err)
		}
	}

	if maxPkt > 0 && (total+int64(ptpcodec.HeaderLen))%int64(maxPkt) == 0 {
		if _, err := l.bus.WriteBulk(nil, l.ioTimeout); err != nil {
			return total, classifyIOErr(err)
		}
	}
	return total, nil
}

// recvDataPhase hands the already-reassembled data container's
// payload (recvContainer has already honored the header's advertised
// length and any trailing ZLP) to in.
func (l *Link) recvDataPhase(hdr ptpcodec.Container, payload []byte, in InHandler) (int64, error) {
	total := int64(len(payload))
	if in != nil && len(payload) > 0 {
		if cont, err := in(payload); err != nil {
			return total, err
		} else if !cont {
			return total, nil
		}
	}
	return total, nil
}

func classifyIOErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*mtperr.Error); ok {
		return e
	}
	return mtperr.New(mtperr.KindIO, err)
}

// transactionRing is a fixed-capacity ring buffer of the most recent
// transactions, per spec.md §4.2's "bounded ring buffer (max 1000)".
type transactionRing struct {
	buf   []mtptypes.Transaction
	cap   int
	next  int
	count int
}

func newTransactionRing(capacity int) *transactionRing {
	return &transactionRing{buf: make([]mtptypes.Transaction, capacity), cap: capacity}
}

func (r *transactionRing) record(t mtptypes.Transaction) {
	r.buf[r.next] = t
	r.next = (r.next + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

func (r *transactionRing) snapshot() []mtptypes.Transaction {
	out := make([]mtptypes.Transaction, r.count)
	start := r.next - r.count
	if start < 0 {
		start += r.cap
	}
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%r.cap]
	}
	return out
}
