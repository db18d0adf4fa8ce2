package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soltybet/wager-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC(20,0) since they span the full uint64 range.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS contract_state (
	id         SMALLINT PRIMARY KEY CHECK (id = 1),
	version    BIGINT NOT NULL,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transfer_outbox (
	id          TEXT PRIMARY KEY,
	seq         BIGSERIAL,
	round_id    NUMERIC(20,0) NOT NULL,
	kind        TEXT NOT NULL,
	stake_id    TEXT NOT NULL,
	recipient   TEXT NOT NULL,
	amount      NUMERIC(20,0) NOT NULL,
	status      TEXT NOT NULL,
	attempts    INT NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS transfer_outbox_pending ON transfer_outbox (seq) WHERE status = 'PENDING';
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadState(ctx context.Context) (*model.ContractState, error) {
	var doc string
	err := s.pool.QueryRow(ctx,
		`SELECT document::TEXT FROM contract_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	st := model.NewContractState()
	if err := json.Unmarshal([]byte(doc), st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, state *model.ContractState, intents []model.TransferIntent) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var tag pgconn.CommandTag
	if state.Version == 1 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO contract_state (id, version, document)
			 VALUES (1, $1, $2::JSONB)
			 ON CONFLICT (id) DO NOTHING`,
			int64(state.Version), string(doc))
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE contract_state
			 SET version = $1, document = $2::JSONB, updated_at = now()
			 WHERE id = 1 AND version = $3`,
			int64(state.Version), string(doc), int64(state.Version-1))
	}
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("save version %d: %w", state.Version, ErrVersionConflict)
	}

	for _, in := range intents {
		if _, err := tx.Exec(ctx,
			`INSERT INTO transfer_outbox (id, round_id, kind, stake_id, recipient, amount, status)
			 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6::NUMERIC, $7)`,
			in.ID, strconv.FormatUint(in.RoundID, 10), string(in.Kind), in.StakeID,
			string(in.Recipient), strconv.FormatUint(in.Amount, 10), StatusPending,
		); err != nil {
			return fmt.Errorf("insert intent %s: %w", in.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingTransfers(ctx context.Context) ([]model.PendingTransfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, round_id::TEXT, kind, stake_id, recipient, amount::TEXT, attempts, last_error
		 FROM transfer_outbox WHERE status = $1 ORDER BY seq`, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPending(rows)
}

func (s *PostgresStore) MarkTransferred(ctx context.Context, intentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfer_outbox
		 SET status = $2, attempts = attempts + 1, last_error = '', updated_at = now()
		 WHERE id = $1`,
		intentID, StatusCompleted)
	if err != nil {
		return fmt.Errorf("mark transferred %s: %w", intentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, intentID, reason string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE transfer_outbox
		 SET attempts = attempts + 1, last_error = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING attempts`,
		intentID, reason).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("mark failed %s: %w", intentID, err)
	}
	return attempts, nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPending(rows pgxRows) ([]model.PendingTransfer, error) {
	result := []model.PendingTransfer{}
	for rows.Next() {
		var p model.PendingTransfer
		var roundS, amountS, kind, recipient string

		if err := rows.Scan(&p.Intent.ID, &roundS, &kind, &p.Intent.StakeID, &recipient,
			&amountS, &p.Attempts, &p.Reason); err != nil {
			return nil, err
		}

		var err error
		if p.Intent.RoundID, err = strconv.ParseUint(roundS, 10, 64); err != nil {
			return nil, fmt.Errorf("intent %s round: %w", p.Intent.ID, err)
		}
		if p.Intent.Amount, err = strconv.ParseUint(amountS, 10, 64); err != nil {
			return nil, fmt.Errorf("intent %s amount: %w", p.Intent.ID, err)
		}
		p.Intent.Kind = model.TransferKind(kind)
		p.Intent.Recipient = model.Identity(recipient)

		result = append(result, p)
	}
	return result, rows.Err()
}
