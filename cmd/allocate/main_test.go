package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docnum/internal/config"
	"docnum/internal/domain/auth"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StoreDriver:     config.DriverSQLite,
		SQLitePath:      filepath.Join(t.TempDir(), "ranges.db"),
		Locations:       "1,2",
		OperationTypes:  "sale,waste",
		MinimalSize:     10,
		RecommendedSize: 100,
		WarnThreshold:   0.9,
		NumberWidth:     12,
		MaxRetries:      5,
		JWTSecret:       "secret",
		JWTIssuer:       "docnum",
		JWTTTLMinutes:   5,
	}
}

func TestRun_InitialUsageRenumber(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)

	var out bytes.Buffer
	require.NoError(t, run(ctx, cfg, []string{"initial"}, &out))
	assert.Contains(t, out.String(), "location=2")
	assert.Contains(t, out.String(), "start=100")

	out.Reset()
	require.NoError(t, run(ctx, cfg, []string{"usage"}, &out))
	assert.Contains(t, out.String(), "sale/1")
	assert.Contains(t, out.String(), "0% of range used")

	out.Reset()
	require.NoError(t, run(ctx, cfg, []string{"renumber", "1", "sale"}, &out))
	assert.Contains(t, out.String(), "sale/1[200,300)")
}

func TestRun_Errors(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)

	assert.Error(t, run(ctx, cfg, []string{"renumber", "x", "sale"}, &bytes.Buffer{}))
	assert.Error(t, run(ctx, cfg, []string{"renumber", "1"}, &bytes.Buffer{}))
	assert.Error(t, run(ctx, cfg, []string{"token", "location", "till"}, &bytes.Buffer{}))

	cfg.Locations = ""
	assert.Error(t, run(ctx, cfg, []string{"initial"}, &bytes.Buffer{}))
}

func TestRun_Token(t *testing.T) {
	cfg := sqliteConfig(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, []string{"token", "location", "till-7", "7"}, &out))

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))

	caller, err := auth.NewJWTService(auth.DefaultJWTConfig("secret")).ValidateToken(body.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), caller.Location)
	assert.Equal(t, "till-7", caller.Subject)
}
