package eventpump

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/ptpcodec"
)

func encodeEvent(code uint16, params ...uint32) []byte {
	buf := make([]byte, ptpcodec.HeaderLen+4*len(params))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint16(buf[4:6], ptpcodec.TypeEvent)
	binary.LittleEndian.PutUint16(buf[6:8], code)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	for i, p := range params {
		binary.LittleEndian.PutUint32(buf[ptpcodec.HeaderLen+4*i:], p)
	}
	return buf
}

type scriptedLink struct {
	mu      sync.Mutex
	frames  [][]byte
	hasEvtEP bool
}

func (s *scriptedLink) ReadInterrupt(buf []byte, timeout time.Duration) (int, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasEvtEP {
		return 0, nil, false
	}
	if len(s.frames) == 0 {
		return 0, context.DeadlineExceeded, true
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	n := copy(buf, f)
	return n, nil, true
}

func TestPumpDecodesRecognizedEvents(t *testing.T) {
	link := &scriptedLink{
		hasEvtEP: true,
		frames: [][]byte{
			encodeEvent(uint16(mtptypes.EventObjectAdded), 42),
			encodeEvent(uint16(mtptypes.EventStorageInfoChanged), 7),
		},
	}

	p := New(link, nil, 5*time.Millisecond, false)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() { _ = p.Run(ctx) }()

	var got []mtptypes.Event
	timeout := time.After(300 * time.Millisecond)
	for len(got) < 2 {
		select {
		case ev := <-p.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d", len(got))
		}
	}

	require.Equal(t, mtptypes.EventObjectAdded, got[0].Code)
	require.Equal(t, uint32(42), got[0].ObjectHandle)
	require.Equal(t, mtptypes.EventStorageInfoChanged, got[1].Code)
	require.Equal(t, uint32(7), got[1].StorageID)
}

func TestPumpIgnoresUnrecognizedEventCodes(t *testing.T) {
	link := &scriptedLink{
		hasEvtEP: true,
		frames: [][]byte{
			encodeEvent(0x4999),
			encodeEvent(uint16(mtptypes.EventObjectRemoved), 99),
		},
	}

	p := New(link, nil, 5*time.Millisecond, false)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() { _ = p.Run(ctx) }()

	select {
	case ev := <-p.Events():
		require.Equal(t, mtptypes.EventObjectRemoved, ev.Code)
		require.Equal(t, uint32(99), ev.ObjectHandle)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timed out waiting for recognized event")
	}
}

func TestPumpExitsWhenLinkHasNoInterruptEndpoint(t *testing.T) {
	link := &scriptedLink{hasEvtEP: false}
	p := New(link, nil, 5*time.Millisecond, false)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return when link has no interrupt endpoint")
	}
}

func TestPumpDisabledReturnsOnlyOnCancellation(t *testing.T) {
	link := &scriptedLink{hasEvtEP: true}
	p := New(link, nil, 5*time.Millisecond, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-done:
		t.Fatal("disabled pump returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("disabled pump did not return after cancellation")
	}
}
