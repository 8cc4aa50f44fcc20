package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store handles RBAC data persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

func now() time.Time {
	return time.Now().UTC()
}

// placeholders returns "$start, $start+1, ..." for n values
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// likePattern builds a lower-cased substring pattern with LIKE metacharacters escaped
func likePattern(search string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(search)) + "%"
}

// listQuery assembles the count and page queries for a list operation.
// searchCols are matched case-insensitively against opts.Search; sortCols
// whitelists the accepted SortBy values.
func listQuery(table, columns string, searchCols []string, sortCols map[string]string, defaultSort string, opts ListOptions) (countQuery, pageQuery string, args []any) {
	where := ""
	if opts.Search != "" {
		conds := make([]string, len(searchCols))
		for i, col := range searchCols {
			conds[i] = fmt.Sprintf(`LOWER(%s) LIKE $1 ESCAPE '\'`, col)
		}
		where = " WHERE " + strings.Join(conds, " OR ")
		args = append(args, likePattern(opts.Search))
	}

	sortCol, ok := sortCols[opts.SortBy]
	if !ok {
		sortCol = defaultSort
	}
	dir := "ASC"
	if opts.SortDesc {
		dir = "DESC"
	}

	countQuery = "SELECT COUNT(*) FROM " + table + where
	n := len(args)
	pageQuery = fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d",
		columns, table, where, sortCol, dir, n+1, n+2)
	return countQuery, pageQuery, args
}

func (s *Store) count(ctx context.Context, query string, args []any) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// exists reports whether a row with id is present in table
func exists(ctx context.Context, q queryer, table, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = $1", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// mustExist returns ErrNotFound when the referenced entity is missing
func mustExist(ctx context.Context, q queryer, table, kind, id string) error {
	ok, err := exists(ctx, q, table, id)
	if err != nil {
		return fmt.Errorf("failed to look up %s %s: %w", kind, id, err)
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// writeErr maps driver constraint violations onto ErrConflict
func writeErr(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("failed to %s: %w", op, ErrConflict)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateUser(username, email string) error {
	if username == "" {
		return fmt.Errorf("username is required: %w", ErrInvalidInput)
	}
	if email == "" {
		return fmt.Errorf("email is required: %w", ErrInvalidInput)
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("email %q is not valid: %w", email, ErrInvalidInput)
	}
	return nil
}

const userColumns = "id, username, email, is_active, is_admin, created_at, updated_at"

var userSortColumns = map[string]string{
	"username":   "username",
	"email":      "email",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.IsActive, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser creates a new user. The id and timestamps are assigned by the store.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	user.Username = normalizeUsername(user.Username)
	user.Email = normalizeEmail(user.Email)
	if err := validateUser(user.Username, user.Email); err != nil {
		return err
	}

	query := `
		INSERT INTO users (id, username, email, is_active, is_admin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	ts := now()
	id := newID()
	_, err := s.db.ExecContext(ctx, query, id, user.Username, user.Email, user.IsActive, user.IsAdmin, ts, ts)
	if err != nil {
		return writeErr("create user", err)
	}

	user.ID = id
	user.CreatedAt = ts
	user.UpdatedAt = ts
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.getUser(ctx, s.db, "id", userID)
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, s.db, "username", normalizeUsername(username))
}

func (s *Store) getUser(ctx context.Context, q queryer, col, value string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE " + col + " = $1"

	u, err := scanUser(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// UpdateUser applies the non-nil fields of update and returns the stored user
func (s *Store) UpdateUser(ctx context.Context, userID string, update UserUpdate) (*User, error) {
	var updated *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUser(ctx, tx, "id", userID)
		if err != nil {
			return err
		}

		if update.Username != nil {
			u.Username = normalizeUsername(*update.Username)
		}
		if update.Email != nil {
			u.Email = normalizeEmail(*update.Email)
		}
		if update.IsActive != nil {
			u.IsActive = *update.IsActive
		}
		if update.IsAdmin != nil {
			u.IsAdmin = *update.IsAdmin
		}
		if err := validateUser(u.Username, u.Email); err != nil {
			return err
		}

		u.UpdatedAt = now()
		query := `
			UPDATE users
			SET username = $1, email = $2, is_active = $3, is_admin = $4, updated_at = $5
			WHERE id = $6
		`
		if _, err := tx.ExecContext(ctx, query, u.Username, u.Email, u.IsActive, u.IsAdmin, u.UpdatedAt, u.ID); err != nil {
			return writeErr("update user", err)
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListUsers lists users matching opts, returning the page and the total count
func (s *Store) ListUsers(ctx context.Context, opts ListOptions) ([]*User, int, error) {
	opts = opts.normalized()
	countQuery, pageQuery, args := listQuery("users", userColumns,
		[]string{"username", "email"}, userSortColumns, "username", opts)

	total, err := s.count(ctx, countQuery, args)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, pageQuery, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, total, nil
}
