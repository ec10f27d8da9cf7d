package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/klauspost/compress/zstd"

	appctx "docnum/internal/core/context"
	"docnum/internal/core/id"
	"docnum/internal/core/numerator"
)

const tableAudit = "number_range_audit"

// CompressionAlgo specifies the compression algorithm used.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultCompressThreshold is the payload size above which changes are compressed.
const DefaultCompressThreshold = 10 * 1024

// AuditEntry is one row of the range audit trail.
type AuditEntry struct {
	ID                id.ID                   `db:"id"`
	Action            numerator.AuditAction   `db:"action"`
	OperationType     numerator.OperationType `db:"operation_type"`
	Subject           string                  `db:"subject"`
	Changes           json.RawMessage         `db:"changes"`
	ChangesCompressed []byte                  `db:"changes_compressed"`
	CompressionAlgo   CompressionAlgo         `db:"compression_algo"`
	CreatedAt         time.Time               `db:"created_at"`
}

var auditColumns = ExtractDBColumns[AuditEntry]()

// AuditLog stores range changes in number_range_audit.
type AuditLog struct {
	txm               *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

var _ numerator.AuditLog = (*AuditLog)(nil)

// NewAuditLog creates an audit log on pool.
func NewAuditLog(pool *Pool) (*AuditLog, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	var txm *TxManager
	if pool != nil {
		txm = NewTxManager(pool)
	}
	return &AuditLog{
		txm:               txm,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: DefaultCompressThreshold,
	}, nil
}

// LogRangeChange implements numerator.AuditLog.
func (a *AuditLog) LogRangeChange(ctx context.Context, action numerator.AuditAction, op numerator.OperationType, changes map[string]any) error {
	payload, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}

	entry := a.newEntry(ctx, action, op, payload)

	sql, args, err := builder().
		Insert(tableAudit).
		SetMap(StructToMap(entry)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := a.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// newEntry builds the row, compressing payloads above the threshold.
func (a *AuditLog) newEntry(ctx context.Context, action numerator.AuditAction, op numerator.OperationType, payload []byte) AuditEntry {
	entry := AuditEntry{
		ID:              id.New(),
		Action:          action,
		OperationType:   op,
		Subject:         appctx.GetSubject(ctx),
		CompressionAlgo: CompressionNone,
		CreatedAt:       time.Now().UTC(),
	}
	if len(payload) > a.compressThreshold {
		entry.ChangesCompressed = a.encoder.EncodeAll(payload, nil)
		entry.CompressionAlgo = CompressionZstd
	} else {
		entry.Changes = payload
	}
	return entry
}

// History returns the latest entries of op, newest first, with payloads decompressed.
func (a *AuditLog) History(ctx context.Context, op numerator.OperationType, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	sql, args, err := builder().
		Select(auditColumns...).
		From(tableAudit).
		Where(squirrel.Eq{"operation_type": string(op)}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	var entries []AuditEntry
	if err := pgxscan.Select(ctx, a.txm.GetQuerier(ctx), &entries, sql, args...); err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	for i := range entries {
		if err := a.decompress(&entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (a *AuditLog) decompress(e *AuditEntry) error {
	if e.CompressionAlgo != CompressionZstd || len(e.ChangesCompressed) == 0 {
		return nil
	}
	out, err := a.decoder.DecodeAll(e.ChangesCompressed, nil)
	if err != nil {
		return fmt.Errorf("decompress audit entry %s: %w", e.ID, err)
	}
	e.Changes = out
	e.ChangesCompressed = nil
	return nil
}
