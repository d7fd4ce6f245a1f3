package oplog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/tree"
	"collabtext/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS ops (
	seq        BIGSERIAL PRIMARY KEY,
	doc_id     TEXT        NOT NULL,
	client_id  TEXT        NOT NULL,
	client_seq BIGINT      NOT NULL,
	changes    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (doc_id, client_id, client_seq)
);
CREATE INDEX IF NOT EXISTS ops_doc_seq ON ops (doc_id, seq);
`

// PostgresLog is a Log backed by a single ops table. Log positions are the
// table's BIGSERIAL, shared across documents.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog wraps an open pool.
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// Migrate creates the ops table if needed.
func (l *PostgresLog) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ops table: %w", err)
	}
	return nil
}

// Append stores f. A resent op (same client and client seq) returns the
// position it was first stored at.
func (l *PostgresLog) Append(ctx context.Context, f wire.Frame) (int64, error) {
	changes, err := json.Marshal(f.Changes)
	if err != nil {
		return 0, fmt.Errorf("encode changes: %w", err)
	}
	var seq int64
	err = l.pool.QueryRow(ctx, `
		INSERT INTO ops (doc_id, client_id, client_seq, changes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (doc_id, client_id, client_seq) DO UPDATE SET doc_id = EXCLUDED.doc_id
		RETURNING seq`,
		f.DocID, f.ClientID, int64(f.ClientSeq), changes).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append op: %w", err)
	}
	return seq, nil
}

// Since loads the ops of docID after seq.
func (l *PostgresLog) Since(ctx context.Context, docID string, seq int64) ([]wire.Frame, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT seq, client_id, client_seq, changes
		FROM ops WHERE doc_id = $1 AND seq > $2
		ORDER BY seq`, docID, seq)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	var out []wire.Frame
	for rows.Next() {
		var (
			f         = wire.Frame{Type: wire.TypeOp, DocID: docID}
			clientSeq int64
			raw       []byte
		)
		if err := rows.Scan(&f.Seq, &f.ClientID, &clientSeq, &raw); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		f.ClientSeq = uint64(clientSeq)
		var changes []tree.Change
		if err := json.Unmarshal(raw, &changes); err != nil {
			return nil, fmt.Errorf("decode op %d: %w", f.Seq, err)
		}
		f.Changes = changes
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ops: %w", err)
	}
	return out, nil
}
