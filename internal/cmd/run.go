package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cncpendant/cncjs-pendant/internal/config"
	"github.com/cncpendant/cncjs-pendant/internal/logger"
	"github.com/cncpendant/cncjs-pendant/internal/session"
)

func runBridge(cmd *cobra.Command, args []string) error {
	opts, err := config.Resolve(v, cfgFile)
	if err != nil {
		return err
	}
	Debug("options: %+v", opts.Redacted())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, h, err := openSession(ctx, *opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.List {
		if err := waitPorts(ctx, s, h); err != nil {
			return err
		}
		renderPorts(cmd.OutOrStdout(), h.Ports())
	}
	if opts.Port == "" {
		return nil
	}

	// Relay until interrupted or the server goes away.
	select {
	case <-ctx.Done():
		logger.Info("interrupted, closing session")
	case <-s.Closed():
	}

	return nil
}

// waitPorts blocks until the server has sent its port list. The session may
// have resolved on the open before the list arrived.
func waitPorts(ctx context.Context, s *session.Session, h *session.Handle) error {
	select {
	case <-h.PortsListed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Closed():
		select {
		case <-h.PortsListed():
			return nil
		default:
			return errors.New("connection closed before the port list arrived")
		}
	}
}

// openSession starts a session and waits for its outcome. The session is
// closed on failure.
func openSession(ctx context.Context, opts config.Options, out io.Writer) (*session.Session, *session.Handle, error) {
	s, err := session.Open(ctx, opts, nil,
		session.WithLogger(log),
		session.WithDataHandler(printData(out)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start session: %w", err)
	}
	Debug("session %s connecting to %s", s.ID(), s.RedactedURL())

	h, err := s.Wait(ctx)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}

	return s, h, nil
}

// printData writes relayed serial lines to out.
func printData(out io.Writer) session.DataHandler {
	return func(dir session.Direction, data string) {
		if data == "" {
			return
		}
		_, _ = fmt.Fprintln(out, data)
	}
}
