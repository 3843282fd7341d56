package library

import "time"

// DateLayout is the calendar-day format used for every stored and transmitted date.
const DateLayout = "2006-01-02"

// Role is the authorization level of a user account.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleNormal Role = "NORMAL"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleAdmin || r == RoleNormal }

// User is a registered account. Usernames are unique.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"` // Don't serialize password hash
	Role         Role   `json:"role"`
	Active       bool   `json:"active"`
}

// IsAdmin reports whether the user holds the ADMIN role.
func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }

// Book is a catalog title with copy counters. Category may be empty, meaning
// the title is uncategorised.
type Book struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Category  string `json:"category"`
	Available int    `json:"available"`
	Total     int    `json:"total"`
}

// BookCount pairs a book with how many times it has been borrowed.
type BookCount struct {
	Book
	Count int `json:"count"`
}

// BorrowRecord is one loan. ReturnDate is nil while the loan is active.
type BorrowRecord struct {
	ID         int64      `json:"id"`
	UserID     string     `json:"user_id"`
	BookID     string     `json:"book_id"`
	BorrowDate time.Time  `json:"borrow_date"`
	DueDate    time.Time  `json:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
}

// Active reports whether the book has not been returned yet.
func (r *BorrowRecord) Active() bool { return r.ReturnDate == nil }

// IsOverdue is true only for active loans whose due date lies before today.
func (r *BorrowRecord) IsOverdue(today time.Time) bool {
	return r.Active() && Day(today).After(Day(r.DueDate))
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
