package testutil

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/DEOS-Org/biosync/internal/authority"
)

// DeviceID is the device identifier used across tests.
const DeviceID = "ESP32_Huella_01"

// Authority is a stub authority served over httptest with a client
// pointed at it.
type Authority struct {
	Stub   *authority.Stub
	Server *httptest.Server
	Client *authority.Client
}

// NewAuthority starts a stub authority backed by a ledger in t.TempDir.
// The server is closed when the test ends.
func NewAuthority(t *testing.T) *Authority {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger, err := authority.OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	stub := &authority.Stub{Ledger: ledger, Logger: DiscardLogger()}
	srv := httptest.NewServer(stub.Router())
	t.Cleanup(srv.Close)

	client, err := authority.NewClient(authority.Config{
		BaseURL:  srv.URL,
		DeviceID: DeviceID,
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)

	return &Authority{Stub: stub, Server: srv, Client: client}
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
