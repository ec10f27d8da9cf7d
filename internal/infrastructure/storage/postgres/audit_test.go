package postgres

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "docnum/internal/core/context"
	"docnum/internal/core/numerator"
)

func TestAuditLog_CompressesLargePayloads(t *testing.T) {
	a, err := NewAuditLog(nil)
	require.NoError(t, err)
	ctx := appctx.WithCaller(context.Background(), &appctx.Caller{Subject: "ops", IsAdmin: true})

	small := []byte(`{"range":"sale/1[0,10)"}`)
	e := a.newEntry(ctx, numerator.AuditActionRenumber, numerator.OperationSale, small)
	assert.Equal(t, CompressionNone, e.CompressionAlgo)
	assert.Equal(t, small, []byte(e.Changes))
	assert.Nil(t, e.ChangesCompressed)
	assert.Equal(t, "ops", e.Subject)

	large := append([]byte(`{"ranges":"`), bytes.Repeat([]byte("sale/1[0,10) "), 2000)...)
	large = append(large, []byte(`"}`)...)
	e = a.newEntry(ctx, numerator.AuditActionCreate, numerator.OperationSale, large)
	assert.Equal(t, CompressionZstd, e.CompressionAlgo)
	assert.Nil(t, e.Changes)
	assert.Less(t, len(e.ChangesCompressed), len(large))

	require.NoError(t, a.decompress(&e))
	assert.Equal(t, large, []byte(e.Changes))
	assert.Nil(t, e.ChangesCompressed)
}
