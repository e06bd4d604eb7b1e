package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/DEOS-Org/biosync/internal/authority"
	"github.com/DEOS-Org/biosync/internal/config"
)

// StubOptions holds flags for the authority-stub command.
type StubOptions struct {
	Addr        string
	DB          string
	TokenSecret string
	Seed        string
}

// NewAuthorityStubCommand creates the authority-stub command.
func NewAuthorityStubCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StubOptions{}
	cmd := &cobra.Command{
		Use:   "authority-stub",
		Short: "Serve a development authority",
		Long: `Serve the device protocol backed by a local SQLite ledger.

Identities can be seeded from a YAML file. Accepted events and sync
requests are recorded in the ledger.

Example:
  biosync authority-stub --addr :8080 --seed identities.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStub(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&opts.DB, "db", "biosync-authority.db", "ledger database path")
	cmd.Flags().StringVar(&opts.TokenSecret, "token-secret", "", "require bearer tokens signed with this secret")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "YAML file of identities to load")
	return cmd
}

// SeedIdentity is one entry of a seed file.
type SeedIdentity struct {
	UserID      int64  `yaml:"user_id"`
	ExternalID  string `yaml:"external_id"`
	DisplayName string `yaml:"name"`
	Role        string `yaml:"role"`
	Slot        int    `yaml:"slot"`
	Quality     int    `yaml:"quality"`
	Template    string `yaml:"template"`
}

// LoadSeed reads identities from path.
func LoadSeed(path string) ([]authority.IdentityRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var doc struct {
		Identities []SeedIdentity `yaml:"identities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	rows := make([]authority.IdentityRow, 0, len(doc.Identities))
	for i, s := range doc.Identities {
		if s.UserID <= 0 {
			return nil, fmt.Errorf("seed %s: identity %d has no user_id", path, i)
		}
		rows = append(rows, authority.IdentityRow{
			UserID:      s.UserID,
			ExternalID:  s.ExternalID,
			DisplayName: s.DisplayName,
			Role:        s.Role,
			Slot:        s.Slot,
			Quality:     s.Quality,
			Template:    []byte(s.Template),
		})
	}
	return rows, nil
}

func runStub(rootOpts *RootOptions, opts *StubOptions, cmd *cobra.Command) error {
	logger := rootOpts.newLogger(config.Default(), cmd.ErrOrStderr())

	var seed []authority.IdentityRow
	if opts.Seed != "" {
		rows, err := LoadSeed(opts.Seed)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load seed", err)
		}
		seed = rows
	}

	ledger, err := authority.OpenLedger(opts.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer ledger.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, row := range seed {
		if err := ledger.PutIdentity(ctx, row); err != nil {
			return WrapExitError(ExitFailure, "failed to seed ledger", err)
		}
	}

	stub := &authority.Stub{Ledger: ledger, Logger: logger}
	if opts.TokenSecret != "" {
		signer, err := authority.NewTokenSigner(opts.TokenSecret)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid token secret", err)
		}
		stub.Tokens = signer
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Handler:           stub.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Authority stub listening on %s (%d identities seeded)\n", ln.Addr(), len(seed))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "authority stub failed", err)
	}
	return nil
}
