package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults for the lending rules.
const (
	DefaultLoanDays          = 14
	DefaultMinPasswordLength = 6
	DefaultRecentHistory     = 10
)

// LibraryManager implements the lending operations on top of a Store. Each
// operation is one atomic unit: its reads and writes share a transaction, and
// operations touching the same book are additionally serialized in-process.
type LibraryManager struct {
	store   Store
	hasher  PasswordHasher
	latches *Latches
	logger  *zap.Logger
	now     func() time.Time

	loanDays          int
	minPasswordLength int
	recentHistory     int
}

// Option customises a LibraryManager.
type Option func(*LibraryManager)

// WithClock overrides the time source used for loan dates.
func WithClock(now func() time.Time) Option {
	return func(lm *LibraryManager) { lm.now = now }
}

// WithLoanDays sets the loan period.
func WithLoanDays(days int) Option {
	return func(lm *LibraryManager) {
		if days > 0 {
			lm.loanDays = days
		}
	}
}

// WithMinPasswordLength sets the minimum accepted password length.
func WithMinPasswordLength(n int) Option {
	return func(lm *LibraryManager) {
		if n > 0 {
			lm.minPasswordLength = n
		}
	}
}

// WithRecentHistory sets how many recent loans drive recommendations.
func WithRecentHistory(n int) Option {
	return func(lm *LibraryManager) {
		if n > 0 {
			lm.recentHistory = n
		}
	}
}

// NewLibraryManager wires the lending logic to its collaborators.
func NewLibraryManager(store Store, hasher PasswordHasher, logger *zap.Logger, opts ...Option) *LibraryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	lm := &LibraryManager{
		store:             store,
		hasher:            hasher,
		latches:           NewLatches(),
		logger:            logger.Named("library"),
		now:               time.Now,
		loanDays:          DefaultLoanDays,
		minPasswordLength: DefaultMinPasswordLength,
		recentHistory:     DefaultRecentHistory,
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Today is the current calendar day according to the manager's clock.
func (lm *LibraryManager) Today() time.Time { return Day(lm.now()) }

// wrap annotates internal errors and passes business failures through untouched.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsFailure(err); ok {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// validField rejects values that would collide with record delimiters.
func validField(s string) bool {
	return !strings.ContainsAny(s, "|;\r\n") && !strings.Contains(s, "::")
}

// ------------------ Accounts ------------------

// Login checks credentials and returns the account.
func (lm *LibraryManager) Login(ctx context.Context, username, password string) (*User, error) {
	u, err := lm.store.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, fail(CodeLoginFailed, "Invalid credentials")
	}
	if err != nil {
		return nil, wrap("login", err)
	}
	if !lm.hasher.Verify(password, u.PasswordHash) {
		return nil, fail(CodeLoginFailed, "Invalid credentials")
	}
	if !u.Active {
		return nil, fail(CodeAccountInactive, "Account %s is deactivated", u.Username)
	}
	return u, nil
}

// Register creates an active NORMAL account.
func (lm *LibraryManager) Register(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || !validField(username) {
		return nil, fail(CodeInvalidUsername, "Username must be non-empty and may not contain '|' or ';'")
	}
	if _, err := lm.store.GetUserByUsername(ctx, username); err == nil {
		return nil, fail(CodeUsernameTaken, "Username %s is already taken", username)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, wrap("register", err)
	}
	if len(password) < lm.minPasswordLength {
		return nil, fail(CodePasswordTooShort, "Password must be at least %d characters", lm.minPasswordLength)
	}

	hash, err := lm.hasher.Hash(password)
	if err != nil {
		return nil, wrap("hash password", err)
	}
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         RoleNormal,
		Active:       true,
	}
	err = lm.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := lm.store.InsertUser(ctx, u); errors.Is(err, ErrDuplicate) {
			return fail(CodeUsernameTaken, "Username %s is already taken", username)
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, wrap("register", err)
	}
	lm.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("username", u.Username))
	return u, nil
}

// ChangePassword replaces the password of u after verifying the old one.
func (lm *LibraryManager) ChangePassword(ctx context.Context, u *User, oldPassword, newPassword string) error {
	if len(newPassword) < lm.minPasswordLength {
		return fail(CodePasswordTooShort, "Password must be at least %d characters", lm.minPasswordLength)
	}
	hash, err := lm.hasher.Hash(newPassword)
	if err != nil {
		return wrap("hash password", err)
	}

	unlock := lm.latches.Lock(userLatch(u.ID))
	defer unlock()

	err = lm.store.WithinTx(ctx, func(ctx context.Context) error {
		current, err := lm.store.GetUser(ctx, u.ID)
		if errors.Is(err, ErrNotFound) {
			return fail(CodeUserNotFound, "User %s does not exist", u.ID)
		}
		if err != nil {
			return err
		}
		if !lm.hasher.Verify(oldPassword, current.PasswordHash) {
			return fail(CodeWrongPassword, "Current password is incorrect")
		}
		current.PasswordHash = hash
		return lm.store.UpdateUser(ctx, current)
	})
	return wrap("change password", err)
}

// EnsureAdmin seeds an ADMIN account when none is active. It reports whether
// an account was created or restored.
func (lm *LibraryManager) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	hash, err := lm.hasher.Hash(password)
	if err != nil {
		return false, wrap("hash password", err)
	}
	seeded := false
	err = lm.store.WithinTx(ctx, func(ctx context.Context) error {
		n, err := lm.store.CountActiveAdmins(ctx)
		if err != nil || n > 0 {
			return err
		}
		existing, err := lm.store.GetUserByUsername(ctx, username)
		switch {
		case err == nil && existing.Role != RoleAdmin:
			return fail(CodeUsernameTaken, "Username %q belongs to a %s account", username, existing.Role)
		case err == nil:
			lm.logger.Warn("no active admin, reactivating existing admin account",
				zap.String("username", username),
				zap.String("user_id", existing.ID),
				zap.Bool("was_active", existing.Active))
			existing.Active = true
			existing.PasswordHash = hash
			seeded = true
			return lm.store.UpdateUser(ctx, existing)
		case errors.Is(err, ErrNotFound):
			seeded = true
			return lm.store.InsertUser(ctx, &User{
				ID:           uuid.NewString(),
				Username:     username,
				PasswordHash: hash,
				Role:         RoleAdmin,
				Active:       true,
			})
		default:
			return err
		}
	})
	if err != nil {
		return false, wrap("seed admin", err)
	}
	return seeded, nil
}

// ListUsers returns every account.
func (lm *LibraryManager) ListUsers(ctx context.Context) ([]*User, error) {
	users, err := lm.store.ListUsers(ctx)
	return users, wrap("list users", err)
}

// UpdateUserStatus activates or deactivates target. An admin may not
// deactivate the account they are signed in with.
func (lm *LibraryManager) UpdateUserStatus(ctx context.Context, acting *User, targetID string, active bool) (*User, error) {
	unlock := lm.latches.Lock(userLatch(targetID))
	defer unlock()

	var target *User
	err := lm.store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		target, err = lm.store.GetUser(ctx, targetID)
		if errors.Is(err, ErrNotFound) {
			return fail(CodeUserNotFound, "User %s does not exist", targetID)
		}
		if err != nil {
			return err
		}
		if acting != nil && target.ID == acting.ID && !active {
			return fail(CodeCannotDeactivateSelf, "You cannot deactivate the account you are logged in with")
		}
		target.Active = active
		return lm.store.UpdateUser(ctx, target)
	})
	if err != nil {
		return nil, wrap("update user status", err)
	}
	fields := []zap.Field{zap.String("user_id", target.ID), zap.Bool("active", active)}
	if acting != nil {
		fields = append(fields, zap.String("by", acting.ID))
	}
	lm.logger.Info("user status updated", fields...)
	return target, nil
}

// ------------------ Catalog ------------------

func (lm *LibraryManager) ListBooks(ctx context.Context) ([]*Book, error) {
	books, err := lm.store.ListBooks(ctx)
	return books, wrap("list books", err)
}

// SearchBooks matches term against the title, author or category column.
func (lm *LibraryManager) SearchBooks(ctx context.Context, field, term string) ([]*Book, error) {
	f, ok := ParseSearchField(strings.ToLower(field))
	if !ok {
		return nil, fail(CodeInvalidSearchField, "Search field must be title, author or category")
	}
	books, err := lm.store.SearchBooks(ctx, f, term)
	return books, wrap("search books", err)
}

func (lm *LibraryManager) GetBook(ctx context.Context, id string) (*Book, error) {
	b, err := lm.store.GetBook(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fail(CodeBookNotFound, "Book %s does not exist", id)
	}
	return b, wrap("get book", err)
}

func validateBook(b *Book) error {
	switch {
	case strings.TrimSpace(b.ID) == "":
		return fail(CodeInvalidBook, "Book ID is required")
	case strings.TrimSpace(b.Title) == "" || strings.TrimSpace(b.Author) == "":
		return fail(CodeInvalidBook, "Title and author are required")
	case !validField(b.ID) || !validField(b.Title) || !validField(b.Author) || !validField(b.Category):
		return fail(CodeInvalidBook, "Book fields may not contain '|' or ';'")
	case b.Total < 0 || b.Available < 0 || b.Available > b.Total:
		return fail(CodeInvalidBook, "Copies must satisfy 0 <= available <= total (got %d/%d)", b.Available, b.Total)
	}
	return nil
}

// AddBook inserts a new title.
func (lm *LibraryManager) AddBook(ctx context.Context, b *Book) error {
	if err := validateBook(b); err != nil {
		return err
	}
	err := lm.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := lm.store.InsertBook(ctx, b); errors.Is(err, ErrDuplicate) {
			return fail(CodeBookExists, "Book %s already exists", b.ID)
		} else if err != nil {
			return err
		}
		return nil
	})
	return wrap("add book", err)
}

// UpdateBook replaces a title's fields. Copies already on loan must stay
// accounted for: total - available may not drop below the active loan count.
func (lm *LibraryManager) UpdateBook(ctx context.Context, b *Book) error {
	if err := validateBook(b); err != nil {
		return err
	}

	unlock := lm.latches.Lock(bookLatch(b.ID))
	defer unlock()

	err := lm.store.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := lm.store.GetBook(ctx, b.ID); errors.Is(err, ErrNotFound) {
			return fail(CodeBookNotFound, "Book %s does not exist", b.ID)
		} else if err != nil {
			return err
		}
		onLoan, err := lm.store.CountActiveByBook(ctx, b.ID)
		if err != nil {
			return err
		}
		if b.Total-b.Available < onLoan {
			return fail(CodeInvalidBook, "%d copies are on loan; total - available must be at least that", onLoan)
		}
		return lm.store.UpdateBook(ctx, b)
	})
	return wrap("update book", err)
}

// DeleteBook removes a title with no active loans. Its loan history goes with it.
func (lm *LibraryManager) DeleteBook(ctx context.Context, id string) error {
	unlock := lm.latches.Lock(bookLatch(id))
	defer unlock()

	err := lm.store.WithinTx(ctx, func(ctx context.Context) error {
		onLoan, err := lm.store.CountActiveByBook(ctx, id)
		if err != nil {
			return err
		}
		if onLoan > 0 {
			return fail(CodeBookHasActiveLoans, "Book %s has %d active loans", id, onLoan)
		}
		if err := lm.store.DeleteBook(ctx, id); errors.Is(err, ErrNotFound) {
			return fail(CodeBookNotFound, "Book %s does not exist", id)
		} else if err != nil {
			return err
		}
		return nil
	})
	return wrap("delete book", err)
}

// ------------------ Circulation ------------------

// Borrow lends one copy of bookID to user. The stock check, the duplicate
// loan check, the decrement and the new record commit together.
func (lm *LibraryManager) Borrow(ctx context.Context, user *User, bookID string) (*BorrowRecord, error) {
	unlock := lm.latches.Lock(bookLatch(bookID), userLatch(user.ID))
	defer unlock()

	var record *BorrowRecord
	err := lm.store.WithinTx(ctx, func(ctx context.Context) error {
		book, err := lm.store.GetBook(ctx, bookID)
		if errors.Is(err, ErrNotFound) {
			return fail(CodeBookNotFound, "Book %s does not exist", bookID)
		}
		if err != nil {
			return err
		}
		if book.Available <= 0 {
			return fail(CodeOutOfStock, "No copies of %q are available", book.Title)
		}
		if _, err := lm.store.GetActiveRecord(ctx, user.ID, bookID); err == nil {
			return fail(CodeAlreadyBorrowed, "You already have %q on loan", book.Title)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := lm.store.SetAvailability(ctx, bookID, book.Available, book.Available-1); err != nil {
			return err
		}
		today := lm.Today()
		record = &BorrowRecord{
			UserID:     user.ID,
			BookID:     bookID,
			BorrowDate: today,
			DueDate:    today.AddDate(0, 0, lm.loanDays),
		}
		id, err := lm.store.InsertRecord(ctx, record)
		if errors.Is(err, ErrDuplicate) {
			return fail(CodeAlreadyBorrowed, "You already have %q on loan", book.Title)
		}
		if err != nil {
			return err
		}
		record.ID = id
		return nil
	})
	if err != nil {
		return nil, wrap("borrow book "+bookID, err)
	}
	lm.logger.Debug("book borrowed",
		zap.String("user_id", user.ID),
		zap.String("book_id", bookID),
		zap.Int64("record_id", record.ID))
	return record, nil
}

// Return closes the user's active loan of bookID and puts the copy back,
// never raising available above total.
func (lm *LibraryManager) Return(ctx context.Context, user *User, bookID string) (*BorrowRecord, error) {
	unlock := lm.latches.Lock(bookLatch(bookID), userLatch(user.ID))
	defer unlock()

	var record *BorrowRecord
	err := lm.store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		record, err = lm.store.GetActiveRecord(ctx, user.ID, bookID)
		if errors.Is(err, ErrNotFound) {
			return fail(CodeNoActiveLoan, "You have no active loan of book %s", bookID)
		}
		if err != nil {
			return err
		}
		today := lm.Today()
		if err := lm.store.SetReturnDate(ctx, record.ID, today); err != nil {
			return err
		}
		record.ReturnDate = &today

		book, err := lm.store.GetBook(ctx, bookID)
		if err != nil {
			return err
		}
		if book.Available >= book.Total {
			lm.logger.Warn("available already at total on return, counter left unchanged",
				zap.String("book_id", bookID),
				zap.Int("available", book.Available),
				zap.Int("total", book.Total),
				zap.Int64("record_id", record.ID))
			return nil
		}
		return lm.store.SetAvailability(ctx, bookID, book.Available, book.Available+1)
	})
	if err != nil {
		return nil, wrap("return book "+bookID, err)
	}
	lm.logger.Debug("book returned",
		zap.String("user_id", user.ID),
		zap.String("book_id", bookID),
		zap.Int64("record_id", record.ID))
	return record, nil
}

// UserRecords lists a user's loans, most recent first.
func (lm *LibraryManager) UserRecords(ctx context.Context, userID string) ([]*BorrowRecord, error) {
	records, err := lm.store.RecordsByUser(ctx, userID)
	return records, wrap("list user records", err)
}

// OverdueRecords lists the user's active loans past their due date.
func (lm *LibraryManager) OverdueRecords(ctx context.Context, userID string) ([]*BorrowRecord, error) {
	records, err := lm.store.RecordsByUser(ctx, userID)
	if err != nil {
		return nil, wrap("list overdue records", err)
	}
	today := lm.Today()
	var overdue []*BorrowRecord
	for _, r := range records {
		if r.IsOverdue(today) {
			overdue = append(overdue, r)
		}
	}
	return overdue, nil
}

// AllRecords lists every loan in the ledger.
func (lm *LibraryManager) AllRecords(ctx context.Context) ([]*BorrowRecord, error) {
	records, err := lm.store.ListRecords(ctx)
	return records, wrap("list records", err)
}

// ------------------ Rankings ------------------

// RecommendationSource says how a recommendation list was derived.
type RecommendationSource int

const (
	// RecommendPopular: the user has no history, so the catalog is ranked by total copies.
	RecommendPopular RecommendationSource = iota
	// RecommendPreferred: books from the user's preferred categories they never borrowed.
	RecommendPreferred
	// RecommendNoPreferredCategories: the user has history but none of it is categorised.
	RecommendNoPreferredCategories
)

// Recommendation is the outcome of Recommend.
type Recommendation struct {
	Source     RecommendationSource
	Categories []string
	Books      []*Book
}

// Recommend suggests up to limit books for userID. It only reads, so it runs
// on the pool and never queues behind a borrow or return holding the write lock.
func (lm *LibraryManager) Recommend(ctx context.Context, userID string, limit int) (*Recommendation, error) {
	records, err := lm.store.RecordsByUser(ctx, userID)
	if err != nil {
		return nil, wrap("recommend", err)
	}
	if len(records) == 0 {
		books, err := lm.store.BooksByTotal(ctx, limit)
		if err != nil {
			return nil, wrap("recommend", err)
		}
		return &Recommendation{Source: RecommendPopular, Books: books}, nil
	}

	rec := &Recommendation{}
	recent := records
	if len(recent) > lm.recentHistory {
		recent = recent[:lm.recentHistory]
	}
	seen := make(map[string]bool)
	for _, r := range recent {
		book, err := lm.store.GetBook(ctx, r.BookID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, wrap("recommend", err)
		}
		if book.Category == "" || seen[book.Category] {
			continue
		}
		seen[book.Category] = true
		rec.Categories = append(rec.Categories, book.Category)
	}
	if len(rec.Categories) == 0 {
		rec.Source = RecommendNoPreferredCategories
		return rec, nil
	}

	borrowed := make(map[string]bool)
	var exclude []string
	for _, r := range records {
		if !borrowed[r.BookID] {
			borrowed[r.BookID] = true
			exclude = append(exclude, r.BookID)
		}
	}
	rec.Source = RecommendPreferred
	rec.Books, err = lm.store.BooksInCategories(ctx, rec.Categories, exclude, limit)
	if err != nil {
		return nil, wrap("recommend", err)
	}
	return rec, nil
}

// PopularBooks ranks books by all-time borrow count.
func (lm *LibraryManager) PopularBooks(ctx context.Context, limit int) ([]*BookCount, error) {
	counts, err := lm.store.BorrowCounts(ctx, nil, limit)
	return counts, wrap("popular books", err)
}

// TrendingBooks ranks books by borrows during the trailing days.
func (lm *LibraryManager) TrendingBooks(ctx context.Context, limit, days int) ([]*BookCount, error) {
	since := lm.Today().AddDate(0, 0, -days)
	counts, err := lm.store.BorrowCounts(ctx, &since, limit)
	return counts, wrap("trending books", err)
}
