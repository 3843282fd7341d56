package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"library-lending/library"
)

// Tokens used inside records.
const (
	NotReturned    = "NOT_RETURNED"
	FlagOverdue    = "OVERDUE"
	FlagNotOverdue = "NOT_OVERDUE"
	UserActive     = "ACTIVE"
	UserInactive   = "INACTIVE"
)

func joinValues(values ...string) string { return strings.Join(values, ValueSep) }

func splitValues(record string, want int, kind string) ([]string, error) {
	values := strings.Split(record, ValueSep)
	if len(values) != want {
		return nil, fmt.Errorf("%s record: want %d fields, got %d in %q", kind, want, len(values), record)
	}
	return values, nil
}

func atoi(field, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return n, nil
}

// ------------------ Books ------------------

// EncodeBook renders id|title|author|category|available|total.
func EncodeBook(b *library.Book) string {
	return joinValues(b.ID, b.Title, b.Author, b.Category, strconv.Itoa(b.Available), strconv.Itoa(b.Total))
}

func decodeBookValues(v []string) (*library.Book, error) {
	b := &library.Book{ID: v[0], Title: v[1], Author: v[2], Category: v[3]}
	var err error
	if b.Available, err = atoi("available", v[4]); err != nil {
		return nil, err
	}
	if b.Total, err = atoi("total", v[5]); err != nil {
		return nil, err
	}
	return b, nil
}

func DecodeBook(record string) (*library.Book, error) {
	v, err := splitValues(record, 6, "book")
	if err != nil {
		return nil, err
	}
	return decodeBookValues(v)
}

func EncodeBooks(books []*library.Book) string {
	parts := make([]string, len(books))
	for i, b := range books {
		parts[i] = EncodeBook(b)
	}
	return strings.Join(parts, RecordSep)
}

func DecodeBooks(payload string) ([]*library.Book, error) {
	var books []*library.Book
	for _, rec := range splitRecords(payload) {
		b, err := DecodeBook(rec)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}

// EncodeBookCount renders a ranked book: the book fields followed by the count.
func EncodeBookCount(c *library.BookCount) string {
	return joinValues(EncodeBook(&c.Book), strconv.Itoa(c.Count))
}

func DecodeBookCount(record string) (*library.BookCount, error) {
	v, err := splitValues(record, 7, "ranked book")
	if err != nil {
		return nil, err
	}
	b, err := decodeBookValues(v[:6])
	if err != nil {
		return nil, err
	}
	n, err := atoi("count", v[6])
	if err != nil {
		return nil, err
	}
	return &library.BookCount{Book: *b, Count: n}, nil
}

func EncodeBookCounts(counts []*library.BookCount) string {
	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = EncodeBookCount(c)
	}
	return strings.Join(parts, RecordSep)
}

func DecodeBookCounts(payload string) ([]*library.BookCount, error) {
	var counts []*library.BookCount
	for _, rec := range splitRecords(payload) {
		c, err := DecodeBookCount(rec)
		if err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, nil
}

// ------------------ Borrow records ------------------

// Loan is a decoded borrow record together with the overdue flag computed by
// the server when it was encoded.
type Loan struct {
	library.BorrowRecord
	Overdue bool
}

// EncodeRecord renders id|userId|bookId|borrowDate|dueDate|returnDate|flag,
// with NOT_RETURNED standing in for an absent return date. The overdue flag
// is evaluated against today.
func EncodeRecord(r *library.BorrowRecord, today time.Time) string {
	returned := NotReturned
	if r.ReturnDate != nil {
		returned = r.ReturnDate.Format(library.DateLayout)
	}
	flag := FlagNotOverdue
	if r.IsOverdue(today) {
		flag = FlagOverdue
	}
	return joinValues(
		strconv.FormatInt(r.ID, 10),
		r.UserID,
		r.BookID,
		r.BorrowDate.Format(library.DateLayout),
		r.DueDate.Format(library.DateLayout),
		returned,
		flag,
	)
}

func DecodeRecord(record string) (*Loan, error) {
	v, err := splitValues(record, 7, "borrow")
	if err != nil {
		return nil, err
	}
	l := &Loan{}
	if l.ID, err = strconv.ParseInt(v[0], 10, 64); err != nil {
		return nil, fmt.Errorf("record id: %w", err)
	}
	l.UserID, l.BookID = v[1], v[2]
	if l.BorrowDate, err = library.ParseDay(v[3]); err != nil {
		return nil, fmt.Errorf("borrow date: %w", err)
	}
	if l.DueDate, err = library.ParseDay(v[4]); err != nil {
		return nil, fmt.Errorf("due date: %w", err)
	}
	if v[5] != NotReturned {
		day, err := library.ParseDay(v[5])
		if err != nil {
			return nil, fmt.Errorf("return date: %w", err)
		}
		l.ReturnDate = &day
	}
	switch v[6] {
	case FlagOverdue:
		l.Overdue = true
	case FlagNotOverdue:
	default:
		return nil, fmt.Errorf("unknown overdue flag %q", v[6])
	}
	return l, nil
}

func EncodeRecords(records []*library.BorrowRecord, today time.Time) string {
	parts := make([]string, len(records))
	for i, r := range records {
		parts[i] = EncodeRecord(r, today)
	}
	return strings.Join(parts, RecordSep)
}

func DecodeRecords(payload string) ([]*Loan, error) {
	var loans []*Loan
	for _, rec := range splitRecords(payload) {
		l, err := DecodeRecord(rec)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, nil
}

// ------------------ Users ------------------

// EncodeUser renders id|username|role|ACTIVE or INACTIVE. The password hash
// never leaves the server.
func EncodeUser(u *library.User) string {
	status := UserInactive
	if u.Active {
		status = UserActive
	}
	return joinValues(u.ID, u.Username, string(u.Role), status)
}

func DecodeUser(record string) (*library.User, error) {
	v, err := splitValues(record, 4, "user")
	if err != nil {
		return nil, err
	}
	u := &library.User{ID: v[0], Username: v[1], Role: library.Role(v[2])}
	if !u.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", v[2])
	}
	switch v[3] {
	case UserActive:
		u.Active = true
	case UserInactive:
	default:
		return nil, fmt.Errorf("unknown user status %q", v[3])
	}
	return u, nil
}

func EncodeUsers(users []*library.User) string {
	parts := make([]string, len(users))
	for i, u := range users {
		parts[i] = EncodeUser(u)
	}
	return strings.Join(parts, RecordSep)
}

func DecodeUsers(payload string) ([]*library.User, error) {
	var users []*library.User
	for _, rec := range splitRecords(payload) {
		u, err := DecodeUser(rec)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}
