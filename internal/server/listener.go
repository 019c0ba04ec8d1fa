// Package server implements the C7 Listener: the TCP accept/dispatch loop
// that turns raw connections into Session state machines. It owns nothing
// about the USB/IP protocol itself — that is entirely Session's job — and
// limits itself to accept, per-connection dispatch, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/benmcmorran/usbipd-win/internal/device"
	"github.com/benmcmorran/usbipd-win/internal/driver"
	applog "github.com/benmcmorran/usbipd-win/internal/log"
	"github.com/benmcmorran/usbipd-win/internal/registry"
	"github.com/benmcmorran/usbipd-win/internal/session"
	"github.com/benmcmorran/usbipd-win/internal/urb"
)

// Config bundles everything a Listener needs to drive Sessions.
type Config struct {
	Addr       string
	Enumerator device.Enumerator
	Shim       *driver.Shim
	Registry   *registry.Registry
	Transport  session.TransportFactory
	Logger     *slog.Logger
	RawLogger  applog.RawLogger
}

// Listener is the C7 Listener: one TCP accept loop, one Session per
// connection, goroutine-per-connection dispatch.
type Listener struct {
	cfg Config

	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Listener. It does not bind a socket; call ListenAndServe
// to do that.
func New(cfg Config) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listener{cfg: cfg, ready: make(chan struct{})}
}

// ListenAndServe checks the filter driver's version, then binds and serves
// connections until ctx is cancelled or Close is called. A version mismatch
// is fatal: the spec requires refusing to start rather than accepting
// connections against a driver the server doesn't understand.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	if l.cfg.Shim != nil {
		if err := l.cfg.Shim.CheckVersion(); err != nil {
			return fmt.Errorf("refusing to start: %w", err)
		}
	}

	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return err
	}
	l.ln = ln
	l.cfg.Addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.readyOnce.Do(func() { close(l.ready) })
	l.cfg.Logger.Info("usbip server listening", "addr", l.cfg.Addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				l.cfg.Logger.Info("usbip server stopped")
				l.wg.Wait()
				return nil
			}
			l.cfg.Logger.Error("accept error", "error", err)
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				l.cfg.Logger.Warn("failed to set TCP_NODELAY", "error", err)
			}
		}
		l.cfg.Logger.Info("client connected", "remote", conn.RemoteAddr())
		l.wg.Add(1)
		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	s := session.New(conn, session.Config{
		Enumerator: l.cfg.Enumerator,
		Shim:       l.cfg.Shim,
		Registry:   l.cfg.Registry,
		Transport:  l.cfg.Transport,
		Logger:     l.cfg.Logger,
		RawLogger:  l.cfg.RawLogger,
	})

	err := s.Run(ctx)
	switch {
	case err == nil:
		l.cfg.Logger.Info("client session ended", "remote", conn.RemoteAddr())
	case isClientDisconnect(err):
		l.cfg.Logger.Info("client disconnected", "remote", conn.RemoteAddr(), "error", err)
	default:
		l.cfg.Logger.Error("session error", "remote", conn.RemoteAddr(), "error", err)
	}
}

// Ready returns a channel closed once the Listener has bound its socket.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Addr returns the bound listen address, or the configured address if not
// yet bound.
func (l *Listener) Addr() string {
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.cfg.Addr
}

// Port extracts the numeric port from Addr, or 0 if unavailable.
func (l *Listener) Port() uint16 {
	_, portStr, err := net.SplitHostPort(l.Addr())
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// Close stops accepting new connections and cancels every live Session,
// then waits for their teardown sequences to complete.
func (l *Listener) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	l.wg.Wait()
	return err
}

// isClientDisconnect reports whether err represents an ordinary client
// disconnect rather than a genuine I/O failure, so it can be logged at Info
// instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "eof") ||
		strings.Contains(e, "connection reset") ||
		strings.Contains(e, "forcibly closed") ||
		strings.Contains(e, "broken pipe") ||
		strings.Contains(e, "use of closed network connection")
}
