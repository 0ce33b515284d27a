package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"caseflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")

	ErrInvalidCursor = errors.New("invalid cursor")
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, otherwise the pool.
func (r Repo) on(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

const caseColumns = `case_id,COALESCE(lan,''),COALESCE(case_type,''),COALESCE(product,''),COALESCE(region,''),
COALESCE(referred_by,''),COALESCE(description,''),COALESCE(case_date,''),status,version,created_by,created_at,updated_at,
COALESCE(customer_name,''),COALESCE(customer_mobile,''),COALESCE(customer_email,''),COALESCE(customer_pan,''),
COALESCE(customer_dob,''),COALESCE(customer_address,''),COALESCE(branch_location,''),loan_amount,COALESCE(disbursement_date,''),
reviewed_by,reviewed_at,approved_by,approved_at,legal_reviewed_by,legal_reviewed_at,closed_by,closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (domain.Case, error) {
	var c domain.Case
	var loan sql.NullFloat64
	var stamps [8]sql.NullString
	err := row.Scan(&c.ID, &c.LAN, &c.CaseType, &c.Product, &c.Region,
		&c.ReferredBy, &c.Description, &c.CaseDate, &c.Status, &c.Version, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
		&c.Customer.Name, &c.Customer.Mobile, &c.Customer.Email, &c.Customer.PAN,
		&c.Customer.DOB, &c.Customer.Address, &c.Customer.BranchLocation, &loan, &c.Customer.DisbursementDate,
		&stamps[0], &stamps[1], &stamps[2], &stamps[3], &stamps[4], &stamps[5], &stamps[6], &stamps[7])
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if loan.Valid {
		amount := loan.Float64
		c.Customer.LoanAmount = &amount
	}
	c.ReviewedBy, c.ReviewedAt = nullStringPtr(stamps[0]), nullStringPtr(stamps[1])
	c.ApprovedBy, c.ApprovedAt = nullStringPtr(stamps[2]), nullStringPtr(stamps[3])
	c.LegalReviewedBy, c.LegalReviewedAt = nullStringPtr(stamps[4]), nullStringPtr(stamps[5])
	c.ClosedBy, c.ClosedAt = nullStringPtr(stamps[6]), nullStringPtr(stamps[7])
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("case_id required")
	}
	if c.Version == 0 {
		c.Version = 1
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO cases(case_id,lan,case_type,product,region,referred_by,description,case_date,
status,version,created_by,created_at,updated_at,customer_name,customer_mobile,customer_email,customer_pan,customer_dob,
customer_address,branch_location,loan_amount,disbursement_date) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, nullable(c.LAN), nullable(c.CaseType), nullable(c.Product), nullable(c.Region), nullable(c.ReferredBy),
		nullable(c.Description), nullable(c.CaseDate), c.Status, c.Version, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
		nullable(c.Customer.Name), nullable(c.Customer.Mobile), nullable(c.Customer.Email), nullable(c.Customer.PAN),
		nullable(c.Customer.DOB), nullable(c.Customer.Address), nullable(c.Customer.BranchLocation),
		nullableFloat(c.Customer.LoanAmount), nullable(c.Customer.DisbursementDate))
	if isUniqueViolation(err) {
		return fmt.Errorf("case %s: %w", c.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetCase(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	return scanCase(r.on(tx).QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id=?`, id))
}

// CompareAndSetStatus moves a case from expected to next. It reports false
// when the case is no longer at expected.
func (r Repo) CompareAndSetStatus(ctx context.Context, tx *sql.Tx, id, expected, next, updatedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE cases SET status=?, version=version+1, updated_at=? WHERE case_id=? AND status=?`,
		next, updatedAt, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var stampColumns = map[string][2]string{
	"reviewed":       {"reviewed_by", "reviewed_at"},
	"approved":       {"approved_by", "approved_at"},
	"legal_reviewed": {"legal_reviewed_by", "legal_reviewed_at"},
	"closed":         {"closed_by", "closed_at"},
}

// StampDecision records who moved the case into a decision status and when.
func (r Repo) StampDecision(ctx context.Context, tx *sql.Tx, id, kind, by, at string) error {
	cols, ok := stampColumns[kind]
	if !ok {
		return fmt.Errorf("unknown decision stamp %q", kind)
	}
	_, err := r.on(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE cases SET %s=?, %s=? WHERE case_id=?`, cols[0], cols[1]), by, at, id)
	return err
}

// UpdateCustomer overwrites the customer columns with c.
func (r Repo) UpdateCustomer(ctx context.Context, tx *sql.Tx, id string, c domain.Customer, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE cases SET customer_name=?,customer_mobile=?,customer_email=?,customer_pan=?,
customer_dob=?,customer_address=?,branch_location=?,loan_amount=?,disbursement_date=?,updated_at=? WHERE case_id=?`,
		nullable(c.Name), nullable(c.Mobile), nullable(c.Email), nullable(c.PAN), nullable(c.DOB), nullable(c.Address),
		nullable(c.BranchLocation), nullableFloat(c.LoanAmount), nullable(c.DisbursementDate), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilter struct {
	Status    string
	Region    string
	Product   string
	CreatedBy string
	Query     string
	Limit     int
	// Cursor is created_at|case_id of the last item of the previous page.
	Cursor string
}

// ListCases returns cases newest first.
func (r Repo) ListCases(ctx context.Context, f CaseFilter) ([]domain.Case, error) {
	var where []string
	var args []any
	add := func(clause string, vals ...any) {
		where = append(where, clause)
		args = append(args, vals...)
	}
	if f.Status != "" {
		add("status=?", f.Status)
	}
	if f.Region != "" {
		add("region=?", f.Region)
	}
	if f.Product != "" {
		add("product=?", f.Product)
	}
	if f.CreatedBy != "" {
		add("created_by=?", f.CreatedBy)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		add("(LOWER(case_id) LIKE ? OR LOWER(COALESCE(customer_name,'')) LIKE ? OR LOWER(COALESCE(description,'')) LIKE ? OR LOWER(COALESCE(lan,'')) LIKE ?)",
			like, like, like, like)
	}
	if f.Cursor != "" {
		ts, id, err := parseCompositeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		add("(created_at < ? OR (created_at = ? AND case_id < ?))", ts, ts, id)
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, case_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CaseStats counts cases by status, region and product.
func (r Repo) CaseStats(ctx context.Context) (domain.CaseStats, error) {
	stats := domain.CaseStats{
		ByStatus:  map[string]int{},
		ByRegion:  map[string]int{},
		ByProduct: map[string]int{},
	}
	groups := []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.ByStatus},
		{"COALESCE(region,'Unknown')", stats.ByRegion},
		{"COALESCE(product,'Unknown')", stats.ByProduct},
	}
	for _, g := range groups {
		rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s, COUNT(*) FROM cases GROUP BY 1`, g.column))
		if err != nil {
			return stats, err
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return stats, err
			}
			g.into[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return stats, err
		}
		rows.Close()
	}
	for _, n := range stats.ByStatus {
		stats.Total += n
	}
	return stats, nil
}

// CountRelatedCases counts other cases sharing the customer's PAN or mobile.
func (r Repo) CountRelatedCases(ctx context.Context, c domain.Case) (int, error) {
	if c.Customer.PAN == "" && c.Customer.Mobile == "" {
		return 0, nil
	}
	row := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases WHERE case_id<>? AND (
(? <> '' AND customer_pan=?) OR (? <> '' AND customer_mobile=?))`,
		c.ID, c.Customer.PAN, c.Customer.PAN, c.Customer.Mobile, c.Customer.Mobile)
	var n int
	err := row.Scan(&n)
	return n, err
}

func parseCompositeCursor(cursor string) (string, string, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidCursor
	}
	return parts[0], parts[1], nil
}

// ComposeCursor builds the cursor that continues after c.
func ComposeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
