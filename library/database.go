package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Database provides the catalog, identity and ledger stores on top of one
// SQLite connection pool.
type Database struct {
	db *sql.DB

	addBookStmt   *sql.Stmt
	addUserStmt   *sql.Stmt
	addRecordStmt *sql.Stmt
}

var _ Store = (*Database)(nil)

// DefaultBusyTimeout is how long a writer waits for the SQLite write lock.
const DefaultBusyTimeout = 5 * time.Second

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string, busyTimeout time.Duration) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}

	// _txlock=immediate makes BEGIN take the write lock, so two transactions
	// touching the same book row are serialized instead of racing to upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=immediate",
		dbPath, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{db: db}
	if err := database.prepareStatements(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	for _, stmt := range []*sql.Stmt{d.addBookStmt, d.addUserStmt, d.addRecordStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	// WAL lets readers proceed while a borrow or return holds the write lock.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
            user_id TEXT PRIMARY KEY,
            username TEXT NOT NULL UNIQUE,
            password_hash TEXT NOT NULL,
            role TEXT NOT NULL CHECK(role IN ('ADMIN','NORMAL')),
            is_active INTEGER NOT NULL DEFAULT 1
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            book_id TEXT PRIMARY KEY,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            category TEXT,
            available INTEGER NOT NULL DEFAULT 0,
            total INTEGER NOT NULL DEFAULT 0,
            CHECK(available >= 0 AND available <= total)
        );`,
		`CREATE TABLE IF NOT EXISTS borrow_records (
            record_id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
            book_id TEXT NOT NULL REFERENCES books(book_id) ON DELETE CASCADE,
            borrow_date TEXT NOT NULL,
            due_date TEXT NOT NULL,
            return_date TEXT
        );`,
		// At most one active loan per (user, book).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_active
            ON borrow_records(user_id, book_id) WHERE return_date IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_records_user ON borrow_records(user_id, borrow_date);`,
		`CREATE INDEX IF NOT EXISTS idx_books_category ON books(category);`,
		`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`,
	}

	for _, stmt := range stmts {
		var args []any
		if strings.Contains(stmt, "?") {
			args = append(args, schemaVersion)
		}
		if _, err := tx.Exec(stmt, args...); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements and transactions
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.addBookStmt, err = d.db.Prepare(`INSERT INTO books(book_id,title,author,category,available,total) VALUES(?,?,?,?,?,?)`); err != nil {
		return err
	}
	if d.addUserStmt, err = d.db.Prepare(`INSERT INTO users(user_id,username,password_hash,role,is_active) VALUES(?,?,?,?,?)`); err != nil {
		return err
	}
	if d.addRecordStmt, err = d.db.Prepare(`INSERT INTO borrow_records(user_id,book_id,borrow_date,due_date) VALUES(?,?,?,?)`); err != nil {
		return err
	}
	return nil
}

// txKey is the context key holding the active *sql.Tx.
type txKey struct{}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the transaction carried by ctx, or the pool.
func (d *Database) conn(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.db
}

// stmt binds a prepared statement to the transaction carried by ctx, if any.
func (d *Database) stmt(ctx context.Context, s *sql.Stmt) *sql.Stmt {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx.StmtContext(ctx, s)
	}
	return s
}

// WithinTx runs fn in one transaction. Nested calls join the outer transaction.
func (d *Database) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func rowsAffected(res sql.Result, err error, none error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

const bookColumns = `book_id,title,author,COALESCE(category,''),available,total`

type scanner interface{ Scan(dest ...any) error }

func scanBook(s scanner) (*Book, error) {
	var b Book
	if err := s.Scan(&b.ID, &b.Title, &b.Author, &b.Category, &b.Available, &b.Total); err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBooks(rows *sql.Rows, err error) ([]*Book, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func (d *Database) GetBook(ctx context.Context, id string) (*Book, error) {
	b, err := scanBook(d.conn(ctx).QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE book_id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListBooks returns the whole catalog ordered by title.
func (d *Database) ListBooks(ctx context.Context) ([]*Book, error) {
	return collectBooks(d.conn(ctx).QueryContext(ctx, `SELECT `+bookColumns+` FROM books ORDER BY title, book_id`))
}

// SearchBooks does a case-insensitive substring match on one column.
func (d *Database) SearchBooks(ctx context.Context, field SearchField, term string) ([]*Book, error) {
	var column string
	switch field {
	case SearchByTitle:
		column = "title"
	case SearchByAuthor:
		column = "author"
	case SearchByCategory:
		column = "category"
	default:
		return nil, fmt.Errorf("unsupported search field %q", field)
	}
	pattern := "%" + escapeLike(term) + "%"
	return collectBooks(d.conn(ctx).QueryContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE `+column+` LIKE ? ESCAPE '\' ORDER BY title, book_id`, pattern))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (d *Database) InsertBook(ctx context.Context, b *Book) error {
	_, err := d.stmt(ctx, d.addBookStmt).ExecContext(ctx, b.ID, b.Title, b.Author, nullString(b.Category), b.Available, b.Total)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (d *Database) UpdateBook(ctx context.Context, b *Book) error {
	res, err := d.conn(ctx).ExecContext(ctx,
		`UPDATE books SET title=?, author=?, category=?, available=?, total=? WHERE book_id=?`,
		b.Title, b.Author, nullString(b.Category), b.Available, b.Total, b.ID)
	return rowsAffected(res, err, ErrNotFound)
}

// SetAvailability is a compare-and-set on the available counter.
func (d *Database) SetAvailability(ctx context.Context, id string, expected, next int) error {
	res, err := d.conn(ctx).ExecContext(ctx,
		`UPDATE books SET available=? WHERE book_id=? AND available=?`, next, id, expected)
	return rowsAffected(res, err, ErrConflict)
}

func (d *Database) DeleteBook(ctx context.Context, id string) error {
	res, err := d.conn(ctx).ExecContext(ctx, `DELETE FROM books WHERE book_id=?`, id)
	return rowsAffected(res, err, ErrNotFound)
}

func (d *Database) BooksByTotal(ctx context.Context, limit int) ([]*Book, error) {
	return collectBooks(d.conn(ctx).QueryContext(ctx,
		`SELECT `+bookColumns+` FROM books ORDER BY total DESC, title ASC, book_id ASC LIMIT ?`, limit))
}

func (d *Database) BooksInCategories(ctx context.Context, categories, exclude []string, limit int) ([]*Book, error) {
	if len(categories) == 0 {
		return nil, nil
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT ` + bookColumns + ` FROM books WHERE category IN (` + placeholders(len(categories)) + `)`)
	for _, c := range categories {
		args = append(args, c)
	}
	if len(exclude) > 0 {
		sb.WriteString(` AND book_id NOT IN (` + placeholders(len(exclude)) + `)`)
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	sb.WriteString(` ORDER BY total DESC, title ASC, book_id ASC LIMIT ?`)
	args = append(args, limit)
	return collectBooks(d.conn(ctx).QueryContext(ctx, sb.String(), args...))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

const userColumns = `user_id,username,password_hash,role,is_active`

func scanUser(s scanner) (*User, error) {
	var (
		u    User
		role string
	)
	if err := s.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.Active); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(d.conn(ctx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (d *Database) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(d.conn(ctx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (d *Database) InsertUser(ctx context.Context, u *User) error {
	_, err := d.stmt(ctx, d.addUserStmt).ExecContext(ctx, u.ID, u.Username, u.PasswordHash, string(u.Role), u.Active)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (d *Database) UpdateUser(ctx context.Context, u *User) error {
	res, err := d.conn(ctx).ExecContext(ctx,
		`UPDATE users SET username=?, password_hash=?, role=?, is_active=? WHERE user_id=?`,
		u.Username, u.PasswordHash, string(u.Role), u.Active, u.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return rowsAffected(res, err, ErrNotFound)
}

// ListUsers returns all users ordered by username.
func (d *Database) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := d.conn(ctx).QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (d *Database) CountActiveAdmins(ctx context.Context) (int, error) {
	var n int
	err := d.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role='ADMIN' AND is_active=1`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

const recordColumns = `record_id,user_id,book_id,borrow_date,due_date,return_date`

func scanRecord(s scanner) (*BorrowRecord, error) {
	var (
		r             BorrowRecord
		borrowed, due string
		returned      sql.NullString
	)
	if err := s.Scan(&r.ID, &r.UserID, &r.BookID, &borrowed, &due, &returned); err != nil {
		return nil, err
	}
	var err error
	if r.BorrowDate, err = ParseDay(borrowed); err != nil {
		return nil, fmt.Errorf("record %d borrow_date: %w", r.ID, err)
	}
	if r.DueDate, err = ParseDay(due); err != nil {
		return nil, fmt.Errorf("record %d due_date: %w", r.ID, err)
	}
	if returned.Valid && returned.String != "" {
		day, err := ParseDay(returned.String)
		if err != nil {
			return nil, fmt.Errorf("record %d return_date: %w", r.ID, err)
		}
		r.ReturnDate = &day
	}
	return &r, nil
}

func collectRecords(rows *sql.Rows, err error) ([]*BorrowRecord, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*BorrowRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// InsertRecord stores a new active loan and returns its record ID.
func (d *Database) InsertRecord(ctx context.Context, r *BorrowRecord) (int64, error) {
	res, err := d.stmt(ctx, d.addRecordStmt).ExecContext(ctx,
		r.UserID, r.BookID, r.BorrowDate.Format(DateLayout), r.DueDate.Format(DateLayout))
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *Database) GetActiveRecord(ctx context.Context, userID, bookID string) (*BorrowRecord, error) {
	r, err := scanRecord(d.conn(ctx).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM borrow_records WHERE user_id=? AND book_id=? AND return_date IS NULL`,
		userID, bookID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (d *Database) RecordsByUser(ctx context.Context, userID string) ([]*BorrowRecord, error) {
	return collectRecords(d.conn(ctx).QueryContext(ctx,
		`SELECT `+recordColumns+` FROM borrow_records WHERE user_id=? ORDER BY borrow_date DESC, record_id DESC`, userID))
}

func (d *Database) ListRecords(ctx context.Context) ([]*BorrowRecord, error) {
	return collectRecords(d.conn(ctx).QueryContext(ctx,
		`SELECT `+recordColumns+` FROM borrow_records ORDER BY record_id`))
}

// SetReturnDate closes an active loan. Returned records are immutable, so a
// second call reports ErrConflict.
func (d *Database) SetReturnDate(ctx context.Context, recordID int64, day time.Time) error {
	res, err := d.conn(ctx).ExecContext(ctx,
		`UPDATE borrow_records SET return_date=? WHERE record_id=? AND return_date IS NULL`,
		day.Format(DateLayout), recordID)
	return rowsAffected(res, err, ErrConflict)
}

func (d *Database) CountActiveByBook(ctx context.Context, bookID string) (int, error) {
	var n int
	err := d.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM borrow_records WHERE book_id=? AND return_date IS NULL`, bookID).Scan(&n)
	return n, err
}

func (d *Database) BorrowCounts(ctx context.Context, since *time.Time, limit int) ([]*BookCount, error) {
	var (
		where string
		args  []any
	)
	if since != nil {
		where = `WHERE r.borrow_date >= ?`
		args = append(args, since.Format(DateLayout))
	}
	args = append(args, limit)

	rows, err := d.conn(ctx).QueryContext(ctx, `
        SELECT b.book_id, b.title, b.author, COALESCE(b.category,''), b.available, b.total, COUNT(*) AS borrows
        FROM borrow_records r
        JOIN books b ON b.book_id = r.book_id
        `+where+`
        GROUP BY b.book_id, b.title, b.author, b.category, b.available, b.total
        ORDER BY borrows DESC, b.title ASC, b.book_id ASC
        LIMIT ?;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []*BookCount
	for rows.Next() {
		var c BookCount
		if err := rows.Scan(&c.ID, &c.Title, &c.Author, &c.Category, &c.Available, &c.Total, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, &c)
	}
	return counts, rows.Err()
}
