package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	applog "github.com/benmcmorran/usbipd-win/internal/log"
	"github.com/benmcmorran/usbipd-win/internal/server"
	"github.com/benmcmorran/usbipd-win/internal/util"
)

// Server runs the C7 Listener until interrupted.
type Server struct {
	Addr string `help:"USB-IP server listen address" default:":3240" env:"USBIPD_ADDR"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger applog.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	shim, enumerator, err := newShimAndEnumerator(logger)
	if err != nil {
		return err
	}

	l := server.New(server.Config{
		Addr:       s.Addr,
		Enumerator: enumerator,
		Shim:       shim,
		Registry:   reg,
		Transport:  newTransportFactory(),
		Logger:     logger,
		RawLogger:  rawLogger,
	})

	logger.Info("starting usbip server", "addr", s.Addr)

	if util.IsRunFromGUI() {
		go func() {
			time.Sleep(250 * time.Millisecond)
			util.HideConsoleWindow()
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
		_ = l.Close()
		err := <-errCh
		_ = saveRegistry(reg)
		return err
	case err := <-errCh:
		return err
	}
}
