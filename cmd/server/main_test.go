package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		Port:                     "0",
		AllowedOrigin:            "*",
		AnalyticsCacheTTLSeconds: 15,
		Timezone:                 "UTC",
		LowStockDefault:          5,
		InsightsTimeoutSeconds:   1,
		LogLevel:                 "info",
		LogFormat:                "text",
	}
}

func TestNewAppRegistersCommands(t *testing.T) {
	app := newApp()
	names := make([]string, 0, len(app.Commands))
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}
	assert.ElementsMatch(t, []string{"serve", "migrate", "verify-ledger"}, names)
	assert.NotNil(t, app.Action, "serve is the default action")
}

func TestBuildWithoutDatabaseServesSeededCatalog(t *testing.T) {
	a, err := build(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer a.close()

	rec := httptest.NewRecorder()
	a.api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Basmati Rice")
}

func TestCheckLedgerOnSeededStore(t *testing.T) {
	a, err := build(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer a.close()

	drifted, err := checkLedger(context.Background(), a.service)
	require.NoError(t, err)
	assert.Zero(t, drifted)
}

func TestBuildRejectsUnknownTimezone(t *testing.T) {
	cfg := memoryConfig()
	cfg.Timezone = "Nowhere/Special"

	_, err := build(context.Background(), cfg)
	require.Error(t, err)
}
