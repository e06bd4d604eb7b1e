package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device loop",
		Long: `Start the device loop with the configured store, transport and sensor.

The loop loads the identity cache and offline queue, subscribes to the
command topic and keeps running until interrupted. Queued events survive
restarts.

Example:
  biosync run --config /etc/biosync/device.yaml
  BIOSYNC_TRANSPORT_KIND=memory biosync run -c device.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(rootOpts, cmd)
		},
	}
	return cmd
}

func runDevice(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := n.Close(); closeErr != nil {
			logger.Error("error during shutdown", "error", closeErr)
		}
	}()

	logger.Info("device ready",
		"device_id", cfg.Device.ID,
		"store", cfg.Store.Kind,
		"transport", cfg.Transport.Kind,
		"identities", n.cache.Len(),
		"pending_events", n.queue.Len())
	fmt.Fprintf(cmd.OutOrStdout(), "Device %s running. Press Ctrl-C to stop.\n", cfg.Device.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.device.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "device loop failed", err)
	}
	return nil
}
