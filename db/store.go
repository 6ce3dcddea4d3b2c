package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
	"escrowflow/safemath"
)

// Pool abstracts pgxpool.Pool for the store.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGStore implements ledger.Store on PostgreSQL. Agent and escrow reads take
// row locks so concurrent operations on the same record serialize.
type PGStore struct {
	pool Pool
}

// NewStore wraps a pgx pool.
func NewStore(pool Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Begin opens a read-committed transaction.
func (s *PGStore) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

const escrowColumns = `key, job_id, job_hash, requester, worker, amount::text, status, timeout_hours, deadline, created_at`

// ListEscrows returns the escrows matching filter, newest first.
func (s *PGStore) ListEscrows(ctx context.Context, filter ledger.EscrowFilter) ([]models.Escrow, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, int16(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.Requester.IsZero() {
		args = append(args, filter.Requester[:])
		where = append(where, fmt.Sprintf("requester = $%d", len(args)))
	}
	if !filter.Worker.IsZero() {
		args = append(args, filter.Worker[:])
		where = append(where, fmt.Sprintf("worker = $%d", len(args)))
	}

	query := `SELECT ` + escrowColumns + ` FROM escrows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db: list escrows: %w", err)
	}
	defer rows.Close()

	out := make([]models.Escrow, 0, 8)
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("db: scan escrow: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate escrows: %w", err)
	}
	return out, nil
}

// ListTransfers returns the transfer journal rows touching key, newest first.
func (s *PGStore) ListTransfers(ctx context.Context, key identity.Key, limit int) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, from_key, to_key, amount::text, kind, created_at
		FROM transfers
		WHERE from_key = $1 OR to_key = $1
		ORDER BY seq DESC
		LIMIT NULLIF($2::int, 0)
	`, key[:], limit)
	if err != nil {
		return nil, fmt.Errorf("db: list transfers: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Entry, 0, 8)
	for rows.Next() {
		var (
			entry     ledger.Entry
			from, to  []byte
			amount    string
			kind      string
			createdAt time.Time
		)
		if err := rows.Scan(&entry.Seq, &from, &to, &amount, &kind, &createdAt); err != nil {
			return nil, fmt.Errorf("db: scan transfer: %w", err)
		}
		if entry.Transfer.Amount, err = parseU64(amount); err != nil {
			return nil, err
		}
		entry.Transfer.From = identity.BytesToKey(from)
		entry.Transfer.To = identity.BytesToKey(to)
		entry.Transfer.Kind = models.TransferKind(kind)
		entry.CreatedAt = createdAt.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate transfers: %w", err)
	}
	return out, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Balance(ctx context.Context, key identity.Key) (uint64, error) {
	var amount string
	err := t.tx.QueryRow(ctx, `SELECT amount::text FROM balances WHERE key = $1`, key[:]).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, mapErr("balance", err)
	}
	return parseU64(amount)
}

func (t *pgTx) Transfer(ctx context.Context, tr models.Transfer) error {
	if err := ledger.CheckTransfer(tr); err != nil {
		return err
	}
	if tr.Amount == 0 {
		return nil
	}
	amount := formatU64(tr.Amount)

	var from []byte
	if !tr.From.IsZero() {
		from = tr.From[:]
		tag, err := t.tx.Exec(ctx, `
			UPDATE balances
			SET amount = amount - $2::numeric, updated_at = now()
			WHERE key = $1 AND amount >= $2::numeric
		`, from, amount)
		if err != nil {
			return mapErr("debit", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s needs %d", ledger.ErrInsufficientBalance, tr.From.Short(), tr.Amount)
		}
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO balances (key, amount)
		VALUES ($1, $2::numeric)
		ON CONFLICT (key) DO UPDATE
		SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
	`, tr.To[:], amount); err != nil {
		return mapErr("credit", err)
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO transfers (from_key, to_key, amount, kind)
		VALUES ($1, $2, $3::numeric, $4)
	`, from, tr.To[:], amount, string(tr.Kind)); err != nil {
		return mapErr("journal transfer", err)
	}
	return nil
}

const agentColumns = `key, name, creator, authority, created_at, creator_signed, verified,
	successful_jobs, total_earned::text, total_spent::text, reputation_score, creator_split_bps`

func (t *pgTx) InsertAgent(ctx context.Context, a models.Agent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12)
	`, agentArgs(a)...)
	if err != nil {
		return mapErr("insert agent", err)
	}
	return nil
}

func (t *pgTx) GetAgent(ctx context.Context, key identity.Key) (models.Agent, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE key = $1 FOR UPDATE`, key[:])
	a, err := scanAgent(row)
	if err != nil {
		return models.Agent{}, mapErr("get agent", err)
	}
	return a, nil
}

// PeekAgent reads the agent row without FOR UPDATE.
func (t *pgTx) PeekAgent(ctx context.Context, key identity.Key) (models.Agent, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE key = $1`, key[:])
	a, err := scanAgent(row)
	if err != nil {
		return models.Agent{}, mapErr("peek agent", err)
	}
	return a, nil
}

func (t *pgTx) UpdateAgent(ctx context.Context, a models.Agent) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE agents
		SET authority = $2,
		    verified = $3,
		    successful_jobs = $4,
		    total_earned = $5::numeric,
		    total_spent = $6::numeric,
		    reputation_score = $7,
		    creator_split_bps = $8
		WHERE key = $1
	`, a.Key[:], a.Authority[:], a.Verified, int64(a.SuccessfulJobs), formatU64(a.TotalEarned),
		formatU64(a.TotalSpent), int32(a.ReputationScore), int32(a.CreatorSplitBps))
	if err != nil {
		return mapErr("update agent", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func agentArgs(a models.Agent) []any {
	return []any{
		a.Key[:],
		a.Name,
		a.Creator[:],
		a.Authority[:],
		a.CreatedAt,
		a.CreatorSigned,
		a.Verified,
		int64(a.SuccessfulJobs),
		formatU64(a.TotalEarned),
		formatU64(a.TotalSpent),
		int32(a.ReputationScore),
		int32(a.CreatorSplitBps),
	}
}

func scanAgent(row pgx.Row) (models.Agent, error) {
	var (
		a                       models.Agent
		key, creator, authority []byte
		createdAt               time.Time
		jobs                    int64
		earned, spent           string
		score, split            int32
	)
	if err := row.Scan(&key, &a.Name, &creator, &authority, &createdAt, &a.CreatorSigned, &a.Verified,
		&jobs, &earned, &spent, &score, &split); err != nil {
		return models.Agent{}, err
	}
	var err error
	if a.TotalEarned, err = parseU64(earned); err != nil {
		return models.Agent{}, err
	}
	if a.TotalSpent, err = parseU64(spent); err != nil {
		return models.Agent{}, err
	}
	a.Key = identity.BytesToKey(key)
	a.Creator = identity.BytesToKey(creator)
	a.Authority = identity.BytesToKey(authority)
	a.CreatedAt = createdAt.UTC()
	a.SuccessfulJobs = uint32(jobs)
	a.ReputationScore = uint16(score)
	a.CreatorSplitBps = uint16(split)
	return a, nil
}

func (t *pgTx) InsertEscrow(ctx context.Context, e models.Escrow) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escrows (`+strings.ReplaceAll(escrowColumns, "::text", "")+`)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
	`, escrowArgs(e)...)
	if err != nil {
		return mapErr("insert escrow", err)
	}
	return nil
}

func (t *pgTx) GetEscrow(ctx context.Context, key identity.Key) (models.Escrow, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE key = $1 FOR UPDATE`, key[:])
	e, err := scanEscrow(row)
	if err != nil {
		return models.Escrow{}, mapErr("get escrow", err)
	}
	return e, nil
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e models.Escrow) error {
	args := escrowArgs(e)
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrows
		SET worker = $2,
		    amount = $3::numeric,
		    status = $4,
		    deadline = $5
		WHERE key = $1
	`, args[0], args[4], args[5], args[6], args[8])
	if err != nil {
		return mapErr("update escrow", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func escrowArgs(e models.Escrow) []any {
	var worker []byte
	if !e.Worker.IsZero() {
		worker = e.Worker[:]
	}
	var deadline *time.Time
	if !e.Deadline.IsZero() {
		d := e.Deadline
		deadline = &d
	}
	return []any{
		e.Key[:],
		e.JobID,
		e.JobHash[:],
		e.Requester[:],
		worker,
		formatU64(e.Amount),
		int16(e.Status),
		int16(e.TimeoutHours),
		deadline,
		e.CreatedAt,
	}
}

func scanEscrow(row pgx.Row) (models.Escrow, error) {
	var (
		e                         models.Escrow
		key, hash, requester, wrk []byte
		amount                    string
		status, timeout           int16
		deadline                  *time.Time
		createdAt                 time.Time
	)
	if err := row.Scan(&key, &e.JobID, &hash, &requester, &wrk, &amount, &status, &timeout, &deadline, &createdAt); err != nil {
		return models.Escrow{}, err
	}
	var err error
	if e.Amount, err = parseU64(amount); err != nil {
		return models.Escrow{}, err
	}
	e.Key = identity.BytesToKey(key)
	copy(e.JobHash[:], hash)
	e.Requester = identity.BytesToKey(requester)
	if wrk != nil {
		e.Worker = identity.BytesToKey(wrk)
	}
	e.Status = models.Status(status)
	e.TimeoutHours = uint8(timeout)
	if deadline != nil {
		e.Deadline = deadline.UTC()
	}
	e.CreatedAt = createdAt.UTC()
	return e, nil
}

func (t *pgTx) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("db: encode outbox payload: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO outbox (id, topic, payload)
		VALUES ($1::uuid, $2, $3::jsonb)
	`, uuid.NewString(), topic, string(body)); err != nil {
		return mapErr("enqueue outbox", err)
	}
	return nil
}

func (t *pgTx) PendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id::text, topic, payload, status, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT NULLIF($1::int, 0)
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, mapErr("pending outbox", err)
	}
	defer rows.Close()

	out := make([]models.OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg    models.OutboxMessage
			id     string
			body   []byte
			status string
		)
		if err := rows.Scan(&id, &msg.Topic, &body, &status, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan outbox: %w", err)
		}
		if msg.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("db: parse outbox id: %w", err)
		}
		if err := json.Unmarshal(body, &msg.Payload); err != nil {
			return nil, fmt.Errorf("db: decode outbox payload: %w", err)
		}
		msg.Status = models.OutboxStatus(status)
		msg.CreatedAt = msg.CreatedAt.UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate outbox: %w", err)
	}
	return out, nil
}

func (t *pgTx) MarkOutbox(ctx context.Context, id uuid.UUID, status models.OutboxStatus, attempts int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE outbox SET status = $2, attempts = $3 WHERE id = $1::uuid
	`, id.String(), string(status), attempts)
	if err != nil {
		return mapErr("mark outbox", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapErr("commit tx", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		return mapErr("rollback tx", err)
	}
	return nil
}

// mapErr translates driver errors into ledger sentinels.
func mapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return ledger.ErrTxDone
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ledger.ErrKeyExists
		case "23514":
			if strings.HasSuffix(pgErr.ConstraintName, "_u64") {
				return fmt.Errorf("db: %s: %w", op, safemath.ErrOverflow)
			}
		}
	}
	return fmt.Errorf("db: %s: %w", op, err)
}

func formatU64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("db: parse numeric %q: %w", s, err)
	}
	return v, nil
}
