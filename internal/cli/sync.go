package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/DEOS-Org/biosync/internal/syncer"
)

// SyncReport is the output of the sync command.
type SyncReport struct {
	State      string    `json:"state"`
	Received   int       `json:"received"`
	Added      int       `json:"added"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	ServerTime time.Time `json:"server_time"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
	Dropped    int       `json:"dropped"`
	Remaining  int       `json:"remaining"`
}

func newSyncReport(state string, res syncer.SyncResult) SyncReport {
	return SyncReport{
		State:      state,
		Received:   res.Received,
		Added:      res.Added,
		Updated:    res.Updated,
		Skipped:    res.Skipped,
		ServerTime: res.ServerTime,
		Delivered:  res.Drain.Delivered,
		Failed:     res.Drain.Failed,
		Dropped:    res.Drain.Dropped,
		Remaining:  res.Drain.Remaining,
	}
}

func (r SyncReport) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Link:       %s\nIdentities: %d received, %d added, %d updated, %d skipped\nQueue:      %d delivered, %d failed, %d dropped, %d remaining\n",
		r.State, r.Received, r.Added, r.Updated, r.Skipped, r.Delivered, r.Failed, r.Dropped, r.Remaining)
	return err
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync and drain",
		Long: `Check connectivity once, pull the identity set from the authority
and deliver queued events. Exits non-zero when the sync request fails;
queued events stay queued.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	n, err := openNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	t := n.monitor.Evaluate(ctx)
	res, err := n.sync.FullSync(ctx)
	out := opts.formatter(cmd)
	if err != nil {
		out.VerboseLog("sync failed: %v", err)
		if renderErr := out.Success(newSyncReport(string(t.To), res)); renderErr != nil {
			return renderErr
		}
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	return out.Success(newSyncReport(string(t.To), res))
}
