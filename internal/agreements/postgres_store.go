package agreements

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chioma/escrowd/internal/pagination"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists rent agreements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL agreement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agreementColumns = `id, landlord, tenant, agent, property_ref, monthly_rent,
	security_deposit, commission_rate_bps, start_date, end_date, status,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, a *RentAgreement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rent_agreements (`+agreementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.Landlord, a.Tenant, a.Agent, a.PropertyRef, a.MonthlyRent,
		a.SecurityDeposit, a.CommissionRateBPS, a.StartDate, a.EndDate, a.Status,
		a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*RentAgreement, error) {
	a := &RentAgreement{}
	err := s.db.QueryRowContext(ctx, `
		SELECT `+agreementColumns+` FROM rent_agreements WHERE id = $1`, id,
	).Scan(
		&a.ID, &a.Landlord, &a.Tenant, &a.Agent, &a.PropertyRef, &a.MonthlyRent,
		&a.SecurityDeposit, &a.CommissionRateBPS, &a.StartDate, &a.EndDate, &a.Status,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) Update(ctx context.Context, a *RentAgreement) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rent_agreements SET status=$2, property_ref=$3, monthly_rent=$4,
			security_deposit=$5, commission_rate_bps=$6, start_date=$7, end_date=$8,
			updated_at=$9
		WHERE id = $1`,
		a.ID, a.Status, a.PropertyRef, a.MonthlyRent,
		a.SecurityDeposit, a.CommissionRateBPS, a.StartDate, a.EndDate,
		a.UpdatedAt,
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

func (s *PostgresStore) ListByParty(ctx context.Context, address string, limit int, cursor *pagination.Cursor) ([]*RentAgreement, error) {
	query := `
		SELECT ` + agreementColumns + ` FROM rent_agreements
		WHERE (landlord = $1 OR tenant = $1 OR agent = $1)`
	args := []interface{}{address}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*RentAgreement
	for rows.Next() {
		a := &RentAgreement{}
		if err := rows.Scan(
			&a.ID, &a.Landlord, &a.Tenant, &a.Agent, &a.PropertyRef, &a.MonthlyRent,
			&a.SecurityDeposit, &a.CommissionRateBPS, &a.StartDate, &a.EndDate, &a.Status,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rent agreement: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
