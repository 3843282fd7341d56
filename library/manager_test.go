package library

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(days int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, days)
}

func newManager(t *testing.T) (*LibraryManager, *Database, *testClock) {
	t.Helper()
	db := tempDB(t)
	clock := &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	lm := NewLibraryManager(db, &BcryptHasher{Cost: bcrypt.MinCost}, nil, WithClock(clock.Now))
	return lm, db, clock
}

func register(t *testing.T, lm *LibraryManager, username string) *User {
	t.Helper()
	u, err := lm.Register(context.Background(), username, "secret123")
	require.NoError(t, err)
	return u
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	f, ok := AsFailure(err)
	require.True(t, ok, "expected a business failure, got %v", err)
	assert.Equal(t, code, f.Code)
}

func TestRegisterAndLogin(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()

	alice := register(t, lm, "alice")
	assert.Equal(t, RoleNormal, alice.Role)
	assert.True(t, alice.Active)
	assert.NotEmpty(t, alice.ID)

	_, err := lm.Register(ctx, "alice", "another123")
	requireCode(t, err, CodeUsernameTaken)
	_, err = lm.Register(ctx, "bob", "123")
	requireCode(t, err, CodePasswordTooShort)
	_, err = lm.Register(ctx, "bo|b", "secret123")
	requireCode(t, err, CodeInvalidUsername)

	u, err := lm.Login(ctx, "alice", "secret123")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, u.ID)

	_, err = lm.Login(ctx, "alice", "wrong")
	requireCode(t, err, CodeLoginFailed)
	_, err = lm.Login(ctx, "nobody", "secret123")
	requireCode(t, err, CodeLoginFailed)
}

func TestLoginRejectsDeactivatedAccount(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()

	_, err := lm.EnsureAdmin(ctx, "admin", "admin123")
	require.NoError(t, err)
	admin, err := lm.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	alice := register(t, lm, "alice")

	updated, err := lm.UpdateUserStatus(ctx, admin, alice.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.Active)

	_, err = lm.Login(ctx, "alice", "secret123")
	requireCode(t, err, CodeAccountInactive)

	_, err = lm.UpdateUserStatus(ctx, admin, alice.ID, true)
	require.NoError(t, err)
	_, err = lm.Login(ctx, "alice", "secret123")
	require.NoError(t, err)
}

func TestUpdateUserStatusGuards(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()

	_, err := lm.EnsureAdmin(ctx, "admin", "admin123")
	require.NoError(t, err)
	admin, err := lm.Login(ctx, "admin", "admin123")
	require.NoError(t, err)

	_, err = lm.UpdateUserStatus(ctx, admin, admin.ID, false)
	requireCode(t, err, CodeCannotDeactivateSelf)
	_, err = lm.UpdateUserStatus(ctx, admin, "no-such-user", false)
	requireCode(t, err, CodeUserNotFound)

	// Re-activating oneself is a no-op, not an error.
	_, err = lm.UpdateUserStatus(ctx, admin, admin.ID, true)
	require.NoError(t, err)
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()

	created, err := lm.EnsureAdmin(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = lm.EnsureAdmin(ctx, "admin", "other-password")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = lm.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
}

func TestChangePassword(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()
	alice := register(t, lm, "alice")

	requireCode(t, lm.ChangePassword(ctx, alice, "nope", "newsecret"), CodeWrongPassword)
	requireCode(t, lm.ChangePassword(ctx, alice, "secret123", "x"), CodePasswordTooShort)
	require.NoError(t, lm.ChangePassword(ctx, alice, "secret123", "newsecret"))

	_, err := lm.Login(ctx, "alice", "secret123")
	requireCode(t, err, CodeLoginFailed)
	_, err = lm.Login(ctx, "alice", "newsecret")
	require.NoError(t, err)
}

func TestBorrowAndReturnLifecycle(t *testing.T) {
	lm, _, clock := newManager(t)
	ctx := context.Background()
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Category: "SciFi", Available: 2, Total: 2}))
	alice := register(t, lm, "alice")
	bob := register(t, lm, "bob")
	carol := register(t, lm, "carol")

	rec, err := lm.Borrow(ctx, alice, "B1")
	require.NoError(t, err)
	assert.True(t, rec.Active())
	assert.Equal(t, "2024-03-01", rec.BorrowDate.Format(DateLayout))
	assert.Equal(t, "2024-03-15", rec.DueDate.Format(DateLayout))

	_, err = lm.Borrow(ctx, alice, "B1")
	requireCode(t, err, CodeAlreadyBorrowed)

	_, err = lm.Borrow(ctx, bob, "B1")
	require.NoError(t, err)
	_, err = lm.Borrow(ctx, carol, "B1")
	requireCode(t, err, CodeOutOfStock)
	_, err = lm.Borrow(ctx, carol, "missing")
	requireCode(t, err, CodeBookNotFound)

	b, err := lm.GetBook(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Available)

	clock.Advance(3)
	returned, err := lm.Return(ctx, alice, "B1")
	require.NoError(t, err)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, "2024-03-04", returned.ReturnDate.Format(DateLayout))

	_, err = lm.Return(ctx, alice, "B1")
	requireCode(t, err, CodeNoActiveLoan)

	b, err = lm.GetBook(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Available)

	records, err := lm.UserRecords(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Active())
}

func TestConcurrentBorrowOfLastCopy(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 1, Total: 1}))

	const n = 16
	users := make([]*User, n)
	for i := range users {
		users[i] = register(t, lm, fmt.Sprintf("user%02d", i))
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		outOfStock int
	)
	for _, u := range users {
		wg.Add(1)
		go func(u *User) {
			defer wg.Done()
			_, err := lm.Borrow(ctx, u, "B1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if f, ok := AsFailure(err); ok && f.Code == CodeOutOfStock {
				outOfStock++
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, outOfStock)
	b, err := lm.GetBook(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Available)

	all, err := lm.AllRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConcurrentBorrowBySameUser(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 5, Total: 5}))
	alice := register(t, lm, "alice")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		duplicate int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lm.Borrow(ctx, alice, "B1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if f, ok := AsFailure(err); ok && f.Code == CodeAlreadyBorrowed {
				duplicate++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, duplicate)
	b, err := lm.GetBook(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 4, b.Available)
}

func TestReturnNeverExceedsTotal(t *testing.T) {
	lm, db, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 1, Total: 1}))
	alice := register(t, lm, "alice")

	_, err := lm.Borrow(ctx, alice, "B1")
	require.NoError(t, err)
	// Counter drifted back to total while the loan was out.
	require.NoError(t, db.SetAvailability(ctx, "B1", 0, 1))

	_, err = lm.Return(ctx, alice, "B1")
	require.NoError(t, err)
	b, err := lm.GetBook(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Available)
}

func TestOverdueRecords(t *testing.T) {
	lm, _, clock := newManager(t)
	ctx := context.Background()
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 1, Total: 1}))
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B2", Title: "Emma", Author: "Austen", Available: 1, Total: 1}))
	alice := register(t, lm, "alice")

	_, err := lm.Borrow(ctx, alice, "B1")
	require.NoError(t, err)
	_, err = lm.Borrow(ctx, alice, "B2")
	require.NoError(t, err)

	clock.Advance(DefaultLoanDays)
	overdue, err := lm.OverdueRecords(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, overdue, "a loan is not overdue on its due date")

	clock.Advance(1)
	_, err = lm.Return(ctx, alice, "B2")
	require.NoError(t, err)
	overdue, err = lm.OverdueRecords(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "B1", overdue[0].BookID)
}

func TestRecommend(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()
	books := []*Book{
		{ID: "S1", Title: "Dune", Author: "Herbert", Category: "SciFi", Available: 3, Total: 3},
		{ID: "S2", Title: "Solaris", Author: "Lem", Category: "SciFi", Available: 2, Total: 2},
		{ID: "S3", Title: "Anathem", Author: "Stephenson", Category: "SciFi", Available: 2, Total: 2},
		{ID: "F1", Title: "Emma", Author: "Austen", Category: "Fiction", Available: 5, Total: 5},
		{ID: "U1", Title: "Notes", Author: "Anon", Available: 1, Total: 1},
	}
	for _, b := range books {
		require.NoError(t, lm.AddBook(ctx, b))
	}

	alice := register(t, lm, "alice")
	rec, err := lm.Recommend(ctx, alice.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, RecommendPopular, rec.Source)
	require.Len(t, rec.Books, 3)
	assert.Equal(t, []string{"F1", "S1", "S3"}, bookIDs(rec.Books))

	_, err = lm.Borrow(ctx, alice, "S1")
	require.NoError(t, err)
	rec, err = lm.Recommend(ctx, alice.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, RecommendPreferred, rec.Source)
	assert.Equal(t, []string{"SciFi"}, rec.Categories)
	assert.Equal(t, []string{"S3", "S2"}, bookIDs(rec.Books))

	bob := register(t, lm, "bob")
	_, err = lm.Borrow(ctx, bob, "U1")
	require.NoError(t, err)
	rec, err = lm.Recommend(ctx, bob.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, RecommendNoPreferredCategories, rec.Source)
	assert.Empty(t, rec.Books)
}

func TestPopularAndTrending(t *testing.T) {
	lm, _, clock := newManager(t)
	ctx := context.Background()
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "A", Title: "Alpha", Author: "X", Available: 3, Total: 3}))
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B", Title: "Beta", Author: "X", Available: 3, Total: 3}))
	alice := register(t, lm, "alice")
	bob := register(t, lm, "bob")

	for _, u := range []*User{alice, bob} {
		_, err := lm.Borrow(ctx, u, "A")
		require.NoError(t, err)
		_, err = lm.Return(ctx, u, "A")
		require.NoError(t, err)
	}
	clock.Advance(30)
	_, err := lm.Borrow(ctx, alice, "B")
	require.NoError(t, err)

	popular, err := lm.PopularBooks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, popular, 2)
	assert.Equal(t, "A", popular[0].ID)
	assert.Equal(t, 2, popular[0].Count)

	trending, err := lm.TrendingBooks(ctx, 10, 7)
	require.NoError(t, err)
	require.Len(t, trending, 1)
	assert.Equal(t, "B", trending[0].ID)
}

func TestCatalogMaintenance(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()

	requireCode(t, lm.AddBook(ctx, &Book{ID: "X", Title: "T", Author: "A", Available: 2, Total: 1}), CodeInvalidBook)
	requireCode(t, lm.AddBook(ctx, &Book{ID: "X", Title: "a|b", Author: "A", Total: 1}), CodeInvalidBook)
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 2, Total: 2}))
	requireCode(t, lm.AddBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Total: 1}), CodeBookExists)

	alice := register(t, lm, "alice")
	_, err := lm.Borrow(ctx, alice, "B1")
	require.NoError(t, err)

	requireCode(t, lm.DeleteBook(ctx, "B1"), CodeBookHasActiveLoans)
	requireCode(t, lm.UpdateBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 3, Total: 3}), CodeInvalidBook)
	require.NoError(t, lm.UpdateBook(ctx, &Book{ID: "B1", Title: "Dune Messiah", Author: "Herbert", Category: "SciFi", Available: 2, Total: 3}))
	requireCode(t, lm.UpdateBook(ctx, &Book{ID: "nope", Title: "T", Author: "A", Total: 1}), CodeBookNotFound)

	found, err := lm.SearchBooks(ctx, "TITLE", "messiah")
	require.NoError(t, err)
	require.Len(t, found, 1)
	_, err = lm.SearchBooks(ctx, "isbn", "x")
	requireCode(t, err, CodeInvalidSearchField)

	_, err = lm.Return(ctx, alice, "B1")
	require.NoError(t, err)
	require.NoError(t, lm.DeleteBook(ctx, "B1"))
	requireCode(t, lm.DeleteBook(ctx, "B1"), CodeBookNotFound)
}

func bookIDs(books []*Book) []string {
	ids := make([]string, len(books))
	for i, b := range books {
		ids[i] = b.ID
	}
	return ids
}

func TestEnsureAdminRefusesMemberAccount(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()
	register(t, lm, "admin")

	created, err := lm.EnsureAdmin(ctx, "admin", "admin123")
	requireCode(t, err, CodeUsernameTaken)
	assert.False(t, created)

	u, err := lm.Login(ctx, "admin", "secret123")
	require.NoError(t, err)
	assert.Equal(t, RoleNormal, u.Role)
}

func TestEnsureAdminReactivatesAdmin(t *testing.T) {
	lm, db, _ := newManager(t)
	ctx := context.Background()
	_, err := lm.EnsureAdmin(ctx, "admin", "admin123")
	require.NoError(t, err)

	admin, err := db.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	admin.Active = false
	require.NoError(t, db.UpdateUser(ctx, admin))

	created, err := lm.EnsureAdmin(ctx, "admin", "fresh-pass")
	require.NoError(t, err)
	assert.True(t, created)

	u, err := lm.Login(ctx, "admin", "fresh-pass")
	require.NoError(t, err)
	assert.Equal(t, admin.ID, u.ID)
	assert.True(t, u.IsAdmin())
}

func TestRecommendOnEmptyCatalog(t *testing.T) {
	lm, _, _ := newManager(t)
	alice := register(t, lm, "alice")

	rec, err := lm.Recommend(context.Background(), alice.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, RecommendPopular, rec.Source)
	assert.Empty(t, rec.Books)
}

func TestRecommendDoesNotWaitForWriters(t *testing.T) {
	lm, db, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Category: "SciFi", Available: 1, Total: 1}))
	alice := register(t, lm, "alice")

	locked := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- db.WithinTx(ctx, func(ctx context.Context) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked
	defer func() {
		close(release)
		require.NoError(t, <-txDone)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := lm.Recommend(ctx, alice.ID, 5)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("recommendation blocked behind an open write transaction")
	}
}

func TestBorrowWaitsForUserLatch(t *testing.T) {
	lm, _, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, lm.AddBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 1, Total: 1}))
	alice := register(t, lm, "alice")

	unlock := lm.latches.Lock(userLatch(alice.ID))
	done := make(chan error, 1)
	go func() {
		_, err := lm.Borrow(ctx, alice, "B1")
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("borrow ran while the user latch was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("borrow did not resume after the user latch was released")
	}
}
