package library

import (
	"context"
	"time"
)

// SearchField names a searchable book column.
type SearchField string

const (
	SearchByTitle    SearchField = "title"
	SearchByAuthor   SearchField = "author"
	SearchByCategory SearchField = "category"
)

// ParseSearchField maps a client-supplied field name to a SearchField.
func ParseSearchField(s string) (SearchField, bool) {
	switch SearchField(s) {
	case SearchByTitle, SearchByAuthor, SearchByCategory:
		return SearchField(s), true
	}
	return "", false
}

// Transactor runs fn inside one atomic unit of work. Store calls made with the
// ctx passed to fn join that unit; returning an error rolls everything back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CatalogStore persists books.
type CatalogStore interface {
	Transactor
	GetBook(ctx context.Context, id string) (*Book, error)
	ListBooks(ctx context.Context) ([]*Book, error)
	SearchBooks(ctx context.Context, field SearchField, term string) ([]*Book, error)
	InsertBook(ctx context.Context, b *Book) error
	UpdateBook(ctx context.Context, b *Book) error
	// SetAvailability writes next only if the stored value still equals expected.
	SetAvailability(ctx context.Context, id string, expected, next int) error
	DeleteBook(ctx context.Context, id string) error
	// BooksByTotal ranks the whole catalog by total desc, title asc.
	BooksByTotal(ctx context.Context, limit int) ([]*Book, error)
	// BooksInCategories ranks books in categories, skipping exclude, by total desc, title asc.
	BooksInCategories(ctx context.Context, categories, exclude []string, limit int) ([]*Book, error)
}

// IdentityStore persists user accounts.
type IdentityStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	InsertUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error
	ListUsers(ctx context.Context) ([]*User, error)
	CountActiveAdmins(ctx context.Context) (int, error)
}

// LedgerStore persists borrow records.
type LedgerStore interface {
	InsertRecord(ctx context.Context, r *BorrowRecord) (int64, error)
	GetActiveRecord(ctx context.Context, userID, bookID string) (*BorrowRecord, error)
	// RecordsByUser returns the user's records, most recent first.
	RecordsByUser(ctx context.Context, userID string) ([]*BorrowRecord, error)
	ListRecords(ctx context.Context) ([]*BorrowRecord, error)
	SetReturnDate(ctx context.Context, recordID int64, day time.Time) error
	CountActiveByBook(ctx context.Context, bookID string) (int, error)
	// BorrowCounts aggregates borrows per book, optionally only those on or
	// after since, ordered by count desc then title asc.
	BorrowCounts(ctx context.Context, since *time.Time, limit int) ([]*BookCount, error)
}

// Store bundles the three collaborators the LibraryManager works against.
type Store interface {
	CatalogStore
	IdentityStore
	LedgerStore
}

// PasswordHasher hashes and verifies plaintext passwords.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
}
