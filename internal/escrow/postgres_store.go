package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DefaultLockTimeout bounds how long a transition waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: DefaultLockTimeout}
}

// WithLockTimeout overrides how long a transaction waits on a locked escrow
// before failing with ErrLockTimeout.
func (p *PostgresStore) WithLockTimeout(d time.Duration) *PostgresStore {
	if d > 0 {
		p.lockTimeout = d
	}
	return p
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO escrow (
			project_id, buyer_id, seller_id, amount, status, payment_status,
			stripe_payment_intent_id, stripe_checkout_session_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		e.ProjectID, e.BuyerID, e.SellerID, e.Amount,
		string(e.Status), string(e.PaymentStatus),
		nullString(e.StripePaymentIntentID), nullString(e.StripeCheckoutSessionID),
		e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	return mapPQError(err)
}

const escrowColumns = `e.id, e.project_id, e.buyer_id, e.seller_id, e.amount,
		       e.status, e.payment_status,
		       e.stripe_payment_intent_id, e.stripe_checkout_session_id,
		       e.stripe_payout_id, e.stripe_refund_id,
		       e.work_delivered_at, e.buyer_approved_at, e.funded_at,
		       e.released_at, e.held_at, e.created_at, e.updated_at`

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow e WHERE e.id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetState(ctx context.Context, id int64) (*EscrowState, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`,
		       pr.title, pr.status, b.display_name, s.display_name
		FROM escrow e
		JOIN projects pr ON pr.id = e.project_id
		JOIN users b ON b.id = e.buyer_id
		JOIN users s ON s.id = e.seller_id
		WHERE e.id = $1`, id)

	var (
		st            EscrowState
		n             escrowNulls
		projectStatus string
	)
	dest := append(escrowDest(&st.Escrow, &n), &st.ProjectTitle, &projectStatus, &st.BuyerName, &st.SellerName)
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	n.apply(&st.Escrow)
	st.ProjectStatus = ProjectStatus(projectStatus)
	return &st, nil
}

func (p *PostgresStore) ListTransitions(ctx context.Context, escrowID int64) ([]*Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.escrow_id, t.project_id, t.from_status, t.to_status,
		       t.triggered_by, t.user_id, u.display_name, t.reason, t.metadata, t.created_at
		FROM escrow_state_transitions t
		LEFT JOIN users u ON u.id = t.user_id
		WHERE t.escrow_id = $1
		ORDER BY t.created_at DESC, t.id DESC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transition
	for rows.Next() {
		var (
			t            Transition
			from, to     string
			triggeredBy  string
			userID       sql.NullInt64
			userName     sql.NullString
			reason       sql.NullString
			metadataJSON []byte
		)
		if err := rows.Scan(&t.ID, &t.EscrowID, &t.ProjectID, &from, &to,
			&triggeredBy, &userID, &userName, &reason, &metadataJSON, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.FromStatus = Status(from)
		t.ToStatus = Status(to)
		t.TriggeredBy = ActorType(triggeredBy)
		if userID.Valid {
			uid := userID.Int64
			t.UserID = &uid
		}
		t.UserName = userName.String
		t.Reason = reason.String
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of transition %d: %w", t.ID, err)
			}
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PayoutAccount(ctx context.Context, userID int64) (string, error) {
	var account sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT stripe_account_id FROM users WHERE id = $1`, userID).Scan(&account)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return account.String, nil
}

func (p *PostgresStore) SetPayoutID(ctx context.Context, id int64, payoutID string) error {
	return p.setReference(ctx, `UPDATE escrow SET stripe_payout_id = $1, updated_at = NOW() WHERE id = $2`, id, payoutID)
}

func (p *PostgresStore) SetRefundID(ctx context.Context, id int64, refundID string) error {
	return p.setReference(ctx, `UPDATE escrow SET stripe_refund_id = $1, updated_at = NOW() WHERE id = $2`, id, refundID)
}

func (p *PostgresStore) setReference(ctx context.Context, query string, id int64, ref string) error {
	result, err := p.db.ExecContext(ctx, query, ref, id)
	if err != nil {
		return mapPQError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// WithTx runs fn in a serializable transaction with a bounded lock wait.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		fmt.Sprintf("%dms", p.lockTimeout.Milliseconds())); err != nil {
		return err
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return mapPQError(err)
	}
	return mapPQError(sqlTx.Commit())
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockEscrow(ctx context.Context, id int64) (*Escrow, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow e WHERE e.id = $1 FOR UPDATE`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (t *pgTx) UpdateStatus(ctx context.Context, ch StatusChange) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE escrow SET
			status = $1,
			updated_at = $2,
			funded_at = COALESCE($3::TIMESTAMPTZ, funded_at),
			released_at = COALESCE($4::TIMESTAMPTZ, released_at)
		WHERE id = $5 AND status = $6`,
		string(ch.To), ch.At, nullTime(ch.FundedAt), nullTime(ch.ReleasedAt),
		ch.EscrowID, string(ch.From),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (t *pgTx) UpdatePaymentStatus(ctx context.Context, ch PaymentChange) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE escrow SET
			payment_status = $1,
			updated_at = $2,
			stripe_payment_intent_id = COALESCE(NULLIF($3::TEXT, ''), stripe_payment_intent_id)
		WHERE id = $4 AND payment_status = $5`,
		string(ch.To), ch.At, ch.PaymentIntentID, ch.EscrowID, string(ch.From),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (t *pgTx) InsertTransition(ctx context.Context, tr *Transition) error {
	metadataJSON := []byte("{}")
	if tr.Metadata != nil {
		b, err := json.Marshal(tr.Metadata)
		if err != nil {
			return fmt.Errorf("encode transition metadata: %w", err)
		}
		metadataJSON = b
	}
	var userID sql.NullInt64
	if tr.UserID != nil {
		userID = sql.NullInt64{Int64: *tr.UserID, Valid: true}
	}
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO escrow_state_transitions (
			escrow_id, project_id, from_status, to_status, triggered_by,
			user_id, reason, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		tr.EscrowID, tr.ProjectID, string(tr.FromStatus), string(tr.ToStatus), string(tr.TriggeredBy),
		userID, nullString(tr.Reason), metadataJSON, tr.CreatedAt,
	).Scan(&tr.ID)
}

func (t *pgTx) SyncProjectStatus(ctx context.Context, projectID int64, status ProjectStatus) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE projects SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status <> $1`,
		string(status), projectID,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// mapPQError translates serialization failures, lock timeouts and unique
// violations into escrow errors, keeping the driver error in the chain.
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	case "55P03":
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	case "23505":
		return fmt.Errorf("%w: %w", ErrEscrowExists, err)
	}
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// escrowNulls holds the enum and nullable columns until they are copied
// onto the Escrow.
type escrowNulls struct {
	status        string
	paymentStatus string
	intentID      sql.NullString
	sessionID     sql.NullString
	payoutID      sql.NullString
	refundID      sql.NullString
	delivered     sql.NullTime
	approved      sql.NullTime
	funded        sql.NullTime
	released      sql.NullTime
	held          sql.NullTime
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var n escrowNulls
	if err := s.Scan(escrowDest(e, &n)...); err != nil {
		return nil, err
	}
	n.apply(e)
	return e, nil
}

func escrowDest(e *Escrow, n *escrowNulls) []interface{} {
	return []interface{}{
		&e.ID, &e.ProjectID, &e.BuyerID, &e.SellerID, &e.Amount,
		&n.status, &n.paymentStatus,
		&n.intentID, &n.sessionID, &n.payoutID, &n.refundID,
		&n.delivered, &n.approved, &n.funded,
		&n.released, &n.held, &e.CreatedAt, &e.UpdatedAt,
	}
}

func (n *escrowNulls) apply(e *Escrow) {
	e.Status = Status(n.status)
	e.PaymentStatus = PaymentStatus(n.paymentStatus)
	e.StripePaymentIntentID = n.intentID.String
	e.StripeCheckoutSessionID = n.sessionID.String
	e.StripePayoutID = n.payoutID.String
	e.StripeRefundID = n.refundID.String
	e.WorkDeliveredAt = timePtr(n.delivered)
	e.BuyerApprovedAt = timePtr(n.approved)
	e.FundedAt = timePtr(n.funded)
	e.ReleasedAt = timePtr(n.released)
	e.HeldAt = timePtr(n.held)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
