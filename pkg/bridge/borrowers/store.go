package borrowers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no borrower record exists for a phone number.
var ErrNotFound = errors.New("borrower not found")

// Borrower is the identity and account record verification runs against.
type Borrower struct {
	ID               int64
	PhoneNumber      string
	Name             string
	DateOfBirth      time.Time
	AccountLastFour  string
	PropertyAddress  string
	DueAmount        float64
	DueDate          time.Time
	PaymentStatus    string
	HardshipEligible bool
}

// Store reads borrower records from Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const lookupQuery = `
SELECT id, phone_number, name, date_of_birth, account_last_four,
       property_address, due_amount, due_date, payment_status, hardship_eligible
FROM borrowers
WHERE phone_number = $1
`

// LookupByPhone fetches the borrower record keyed by caller phone number.
func (s *Store) LookupByPhone(ctx context.Context, phoneNumber string) (Borrower, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return Borrower{}, ErrNotFound
	}

	var b Borrower
	row := s.pool.QueryRow(ctx, lookupQuery, phoneNumber)
	err := row.Scan(
		&b.ID, &b.PhoneNumber, &b.Name, &b.DateOfBirth, &b.AccountLastFour,
		&b.PropertyAddress, &b.DueAmount, &b.DueDate, &b.PaymentStatus, &b.HardshipEligible,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Borrower{}, ErrNotFound
	}
	if err != nil {
		return Borrower{}, fmt.Errorf("lookup borrower: %w", err)
	}
	return b, nil
}

// UpdateCallStatus records the latest provider call status for a borrower's
// number. Unknown numbers are a no-op, not an error; status webhooks can
// arrive for test dials.
func (s *Store) UpdateCallStatus(ctx context.Context, phoneNumber, callSID, status string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE borrowers
SET last_call_sid = $2, last_call_status = $3, last_called_at = now()
WHERE phone_number = $1
`, strings.TrimSpace(phoneNumber), callSID, status)
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	return nil
}
