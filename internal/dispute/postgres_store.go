package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists disputes in PostgreSQL. Evidence entries are
// stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, agreement_id, escrow_id, raised_by, reason, status,
	outcome, release_amount, refund_amount, evidence,
	resolved_by, resolved_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence, err := marshalEvidence(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.AgreementID, d.EscrowID, d.RaisedBy, d.Reason, d.Status,
		d.Outcome, d.ReleaseAmount, d.RefundAmount, evidence,
		d.ResolvedBy, d.ResolvedAt, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	evidence, err := marshalEvidence(d)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status=$2, outcome=$3, release_amount=$4, refund_amount=$5,
			evidence=$6, resolved_by=$7, resolved_at=$8, updated_at=$9
		WHERE id = $1`,
		d.ID, d.Status, d.Outcome, d.ReleaseAmount, d.RefundAmount,
		evidence, d.ResolvedBy, d.ResolvedAt, d.UpdatedAt,
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

func (s *PostgresStore) ListByAgreement(ctx context.Context, agreementID string) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE agreement_id = $1 ORDER BY created_at DESC`,
		agreementID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

// --- scan helpers ---

func marshalEvidence(d *Dispute) ([]byte, error) {
	evidence := d.Evidence
	if evidence == nil {
		evidence = []EvidenceEntry{}
	}
	data, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var evidence []byte
	err := row.Scan(
		&d.ID, &d.AgreementID, &d.EscrowID, &d.RaisedBy, &d.Reason, &d.Status,
		&d.Outcome, &d.ReleaseAmount, &d.RefundAmount, &evidence,
		&d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if len(d.Evidence) == 0 {
		d.Evidence = nil
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
