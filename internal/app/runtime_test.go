package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/config"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/stretchr/testify/require"
)

const (
	sellerHex = "0x1000000000000000000000000000000000000001"
	buyerHex  = "0x2000000000000000000000000000000000000002"
)

func newMetadataServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "Token " + r.URL.Path, "image": "https://img.example" + r.URL.Path})
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, signingSecret string, seed []map[string]string) config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	configViper := config.NewViper()
	configViper.Set("sim.database_path", filepath.Join(dir, "ledger.db"))
	configViper.Set("metadata.s3_region", "")
	configViper.Set("auth.signing_secret", signingSecret)
	if seed != nil {
		payload, err := json.Marshal(seed)
		require.NoError(t, err)
		seedPath := filepath.Join(dir, "seed.json")
		require.NoError(t, os.WriteFile(seedPath, payload, 0o600))
		configViper.Set("sim.seed_file", seedPath)
	}
	cfg, err := config.Load(configViper)
	require.NoError(t, err)
	return cfg
}

func TestBuildSimRuntimeServesSeededCatalog(t *testing.T) {
	metadataServer := newMetadataServer(t)
	cfg := testConfig(t, "runtime-secret", []map[string]string{
		{"uri": metadataServer.URL + "/1.json", "price_eth": "1", "seller": sellerHex},
		{"uri": metadataServer.URL + "/2.json", "price_eth": "2", "seller": sellerHex, "buyer": buyerHex},
	})

	runtime, err := Build(context.Background(), cfg, nil, Options{HTTPClient: metadataServer.Client()})
	require.NoError(t, err)
	t.Cleanup(runtime.Close)

	require.NotNil(t, runtime.SimLedger)
	require.Equal(t, DefaultSimAccount, runtime.Ledger.Account().Hex())

	snapshot, err := runtime.Catalog.Rebuild(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, snapshot.ItemCount)
	require.Len(t, snapshot.Items, 1)
	require.EqualValues(t, 1, snapshot.Items[0].ItemID)
	require.Equal(t, "Token /1.json", snapshot.Items[0].Name)

	handler, err := runtime.Handler()
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestSimSignersActAsBuyer(t *testing.T) {
	cfg := testConfig(t, "runtime-secret", nil)
	runtime, err := Build(context.Background(), cfg, nil, Options{})
	require.NoError(t, err)
	t.Cleanup(runtime.Close)

	buyer, err := market.ParseAccount(buyerHex)
	require.NoError(t, err)
	gateway, err := runtime.Signers(buyer)
	require.NoError(t, err)
	require.Equal(t, buyer, gateway.Account())
}

func TestHandlerRequiresSigningSecret(t *testing.T) {
	cfg := testConfig(t, "", nil)
	runtime, err := Build(context.Background(), cfg, nil, Options{})
	require.NoError(t, err)
	t.Cleanup(runtime.Close)

	require.Nil(t, runtime.Tokens)
	_, err = runtime.Handler()
	require.ErrorIs(t, err, errTokensUnavailable)
}

func TestBuildRejectsUnknownLedgerMode(t *testing.T) {
	cfg := testConfig(t, "runtime-secret", nil)
	cfg.Ledger.Mode = "ganache"
	_, err := Build(context.Background(), cfg, nil, Options{})
	require.Error(t, err)
}
