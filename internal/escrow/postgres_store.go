package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists escrows in PostgreSQL. Conditions and the
// signature set are stored as JSONB; the earliest deadline is
// denormalized into its own column so the expiry sweep can use an
// index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, escrow_public_key, source_party, destination_party, amount,
	asset_type, asset_code, asset_issuer, status, conditions, signatures,
	expiration_date, deadline, rent_agreement_id, funding_proof_ref,
	released_at, refunded_at, release_tx_hash, refund_tx_hash,
	partial_release_amount, partial_refund_amount, dispute_id,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	conditions, signatures, err := marshalState(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		e.ID, e.EscrowPublicKey, e.SourceParty, e.DestinationParty, e.Amount,
		e.AssetType, e.AssetCode, e.AssetIssuer, e.Status, conditions, signatures,
		e.ExpirationDate, earliestDeadline(e), e.RentAgreementID, e.FundingProofRef,
		e.ReleasedAt, e.RefundedAt, e.ReleaseTxHash, e.RefundTxHash,
		e.PartialReleaseAmount, e.PartialRefundAmount, e.DisputeID,
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	conditions, signatures, err := marshalState(e)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE escrows SET status=$2, conditions=$3, signatures=$4, deadline=$5,
			funding_proof_ref=$6, released_at=$7, refunded_at=$8,
			release_tx_hash=$9, refund_tx_hash=$10,
			partial_release_amount=$11, partial_refund_amount=$12,
			dispute_id=$13, updated_at=$14
		WHERE id = $1`,
		e.ID, e.Status, conditions, signatures, earliestDeadline(e),
		e.FundingProofRef, e.ReleasedAt, e.RefundedAt,
		e.ReleaseTxHash, e.RefundTxHash,
		e.PartialReleaseAmount, e.PartialRefundAmount,
		e.DisputeID, e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE 1=1`
	var args []interface{}

	if filter.PublicKey != "" {
		key := strings.ToLower(filter.PublicKey)
		args = append(args, key)
		n := len(args)
		query += fmt.Sprintf(" AND (source_party = $%d OR destination_party = $%d OR escrow_public_key = $%d)", n, n, n)
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (s *PostgresStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN ('pending', 'funded') AND deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline ASC LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (s *PostgresStore) ListByAgreement(ctx context.Context, agreementID string) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE rent_agreement_id = $1 ORDER BY created_at ASC`,
		agreementID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

// --- scan helpers ---

func marshalState(e *Escrow) (conditions, signatures []byte, err error) {
	conditions, err = json.Marshal(e.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal conditions: %w", err)
	}
	sigs := e.Signatures
	if sigs == nil {
		sigs = []string{}
	}
	signatures, err = json.Marshal(sigs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal signatures: %w", err)
	}
	return conditions, signatures, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	e := &Escrow{}
	var conditions, signatures []byte
	var deadline sql.NullTime
	err := row.Scan(
		&e.ID, &e.EscrowPublicKey, &e.SourceParty, &e.DestinationParty, &e.Amount,
		&e.AssetType, &e.AssetCode, &e.AssetIssuer, &e.Status, &conditions, &signatures,
		&e.ExpirationDate, &deadline, &e.RentAgreementID, &e.FundingProofRef,
		&e.ReleasedAt, &e.RefundedAt, &e.ReleaseTxHash, &e.RefundTxHash,
		&e.PartialReleaseAmount, &e.PartialRefundAmount, &e.DisputeID,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &e.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(signatures, &e.Signatures); err != nil {
		return nil, fmt.Errorf("unmarshal signatures: %w", err)
	}
	if len(e.Signatures) == 0 {
		e.Signatures = nil
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
