package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/syncer"
)

// StatusReport is the output of the status command.
type StatusReport struct {
	DeviceID      string    `json:"device_id"`
	Store         string    `json:"store"`
	Identities    int       `json:"identities"`
	Capacity      int       `json:"capacity"`
	Quarantined   []int     `json:"quarantined_slots,omitempty"`
	PendingEvents int       `json:"pending_events"`
	QueueCapacity int       `json:"queue_capacity"`
	LastSync      time.Time `json:"last_sync"`
}

func (r StatusReport) RenderText(w io.Writer) error {
	last := "never"
	if !r.LastSync.IsZero() {
		last = r.LastSync.Format(time.RFC3339)
	}
	if _, err := fmt.Fprintf(w, "Device:     %s\nStore:      %s\nIdentities: %d/%d\n",
		r.DeviceID, r.Store, r.Identities, r.Capacity); err != nil {
		return err
	}
	if len(r.Quarantined) > 0 {
		if _, err := fmt.Fprintf(w, "Duplicates: slots %v held back, remove the user to clear\n", r.Quarantined); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "Pending:    %d/%d\nLast sync:  %s\n", r.PendingEvents, r.QueueCapacity, last)
	return err
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local device state",
		Long: `Show the identity count, offline queue length and last sync time
read from the local store. Nothing is sent to the network.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(rootOpts, cmd, func(ctx context.Context, st *state, out *OutputFormatter) error {
				rep := StatusReport{
					DeviceID:      st.deviceID,
					Store:         st.storeKind,
					Identities:    st.cache.Len(),
					Capacity:      st.cache.Capacity(),
					PendingEvents: st.queue.Len(),
					QueueCapacity: st.queue.Capacity(),
				}
				for _, q := range st.cache.Quarantined() {
					rep.Quarantined = append(rep.Quarantined, q.Slot)
				}
				last, err := syncer.ReadLastSync(ctx, st.store)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read sync state", err)
				}
				rep.LastSync = last
				return out.Success(rep)
			})
		},
	}
}

// IdentityList is the output of cache list.
type IdentityList []record.IdentityRecord

func (l IdentityList) RenderText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tUSER\tEXTERNAL ID\tNAME\tROLE\tSTATE\tLAST USED")
	for _, r := range l {
		used := "-"
		if !r.LastUsedAt.IsZero() {
			used = r.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Slot, r.UserID, r.ExternalID, r.DisplayName, r.Role, r.SyncState, used)
	}
	return tw.Flush()
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the identity cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List cached identities by slot",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(rootOpts, cmd, func(_ context.Context, st *state, out *OutputFormatter) error {
				return out.Success(IdentityList(st.cache.Records()))
			})
		},
	})
	return cmd
}

// EventList is the output of queue list.
type EventList []record.OfflineEvent

func (l EventList) RenderText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tTYPE\tENQUEUED\tATTEMPTS")
	for _, ev := range l {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n",
			ev.Seq, ev.ID, ev.Type, ev.EnqueuedAt.Format(time.RFC3339), ev.Attempts)
	}
	return tw.Flush()
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline event queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List queued events oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(rootOpts, cmd, func(_ context.Context, st *state, out *OutputFormatter) error {
				return out.Success(EventList(st.queue.Snapshot()))
			})
		},
	})
	return cmd
}

// inspect opens local state read-mostly and hands it to fn.
func inspect(opts *RootOptions, cmd *cobra.Command, fn func(context.Context, *state, *OutputFormatter) error) error {
	cfg, err := opts.readConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	st, err := openState(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st, opts.formatter(cmd))
}
