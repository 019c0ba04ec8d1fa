package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmcmorran/usbipd-win/internal/device"
	"github.com/benmcmorran/usbipd-win/internal/driver"
	"github.com/benmcmorran/usbipd-win/internal/registry"
	"github.com/benmcmorran/usbipd-win/internal/urb"
	"github.com/benmcmorran/usbipd-win/usbip"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	l := New(Config{
		Addr:       "127.0.0.1:0",
		Enumerator: &device.FakeEnumerator{},
		Shim:       driver.New(driver.NewFakeBackend()),
		Registry:   registry.New(nil),
		Transport:  func(*driver.ClaimedDevice) urb.Transport { return urb.NewFakeTransport() },
	})
	return l
}

func TestListenerServesDevlist(t *testing.T) {
	l := newTestListener(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.ListenAndServe(ctx) }()

	select {
	case <-l.Ready():
	case err := <-errCh:
		t.Fatalf("listener exited before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never became ready")
	}

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()

	var buf bytes.Buffer
	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}
	require.NoError(t, hdr.Write(&buf))
	_, err = conn.Write(buf.Bytes())
	require.NoError(t, err)

	var replyHdr [8]byte
	_, err = readFullConn(conn, replyHdr[:])
	require.NoError(t, err)
	got, err := usbip.DecodeMgmtHeader(replyHdr[:])
	require.NoError(t, err)
	assert.Equal(t, uint16(usbip.OpRepDevlist), got.Command)

	var nDev [4]byte
	_, err = readFullConn(conn, nDev[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(nDev[:]))

	require.NoError(t, l.Close())
}

func TestListenerRefusesStartOnVersionMismatch(t *testing.T) {
	backend := driver.NewFakeBackend()
	backend.Version = driver.Version{Major: 1, Minor: 0}

	l := New(Config{
		Addr:       "127.0.0.1:0",
		Enumerator: &device.FakeEnumerator{},
		Shim:       driver.New(backend),
		Registry:   registry.New(nil),
		Transport:  func(*driver.ClaimedDevice) urb.Transport { return urb.NewFakeTransport() },
	})

	err := l.ListenAndServe(context.Background())
	require.Error(t, err)
}

func TestListenerCloseWaitsForSessions(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- l.ListenAndServe(ctx) }()
	<-l.Ready()

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, l.Close())
	require.NoError(t, <-errCh)
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
