package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"library-lending/client"
	"library-lending/library"
	"library-lending/protocol"
)

func newConsoleCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive client for a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				host := cfg.Server.Host
				if host == "" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
			}
			c, err := client.Dial(cmd.Context(), addr)
			if err != nil {
				return err
			}
			con := &console{
				client: c,
				in:     bufio.NewScanner(cmd.InOrStdin()),
				out:    cmd.OutOrStdout(),
			}
			return con.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (defaults to server.host:server.port from the config)")
	return cmd
}

// readPassword reads a password with masking when stdin is a terminal.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	bytePassword, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	fmt.Println()
	return strings.TrimSpace(string(bytePassword)), nil
}

type console struct {
	client *client.Client
	in     *bufio.Scanner
	out    io.Writer
	user   *library.User
}

type consoleCommand struct {
	name  string
	admin bool
	run   func(c *console, ctx context.Context) error
}

var consoleCommands = []consoleCommand{
	{name: "ping", run: (*console).ping},
	{name: "login", run: (*console).login},
	{name: "register", run: (*console).register},
	{name: "logout", run: (*console).logout},
	{name: "change password", run: (*console).changePassword},
	{name: "list books", run: (*console).listBooks},
	{name: "search book", run: (*console).searchBooks},
	{name: "show book", run: (*console).showBook},
	{name: "borrow", run: (*console).borrow},
	{name: "return", run: (*console).returnBook},
	{name: "my records", run: (*console).myRecords},
	{name: "my overdue", run: (*console).myOverdue},
	{name: "recommend", run: (*console).recommend},
	{name: "add book", admin: true, run: (*console).addBook},
	{name: "update book", admin: true, run: (*console).updateBook},
	{name: "delete book", admin: true, run: (*console).deleteBook},
	{name: "all records", admin: true, run: (*console).allRecords},
	{name: "popular", admin: true, run: (*console).popular},
	{name: "trending", admin: true, run: (*console).trending},
	{name: "list users", admin: true, run: (*console).listUsers},
	{name: "set user status", admin: true, run: (*console).setUserStatus},
}

func (c *console) run(ctx context.Context) error {
	fmt.Fprintln(c.out, "Welcome to the Library Lending System!")
	c.help()

	for {
		if c.user != nil {
			fmt.Fprintf(c.out, "\n[%s]> ", c.user.Username)
		} else {
			fmt.Fprint(c.out, "\n> ")
		}
		if !c.in.Scan() {
			break
		}
		name := strings.ToLower(strings.TrimSpace(c.in.Text()))
		switch name {
		case "":
			continue
		case "help":
			c.help()
			continue
		case "exit", "quit":
			if err := c.client.Terminate(ctx); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			fmt.Fprintln(c.out, "Goodbye!")
			return nil
		}

		cmd, ok := lookupConsoleCommand(name)
		if !ok {
			fmt.Fprintln(c.out, "Unknown command. Type 'help' for the list of commands.")
			continue
		}
		if err := cmd.run(c, ctx); err != nil {
			var respErr *client.ResponseError
			if errors.As(err, &respErr) {
				fmt.Fprintf(c.out, "%s\n", describe(respErr))
				continue
			}
			return err
		}
	}
	_ = c.client.Close()
	return c.in.Err()
}

func lookupConsoleCommand(name string) (consoleCommand, bool) {
	for _, cmd := range consoleCommands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return consoleCommand{}, false
}

func (c *console) help() {
	var member, admin []string
	for _, cmd := range consoleCommands {
		if cmd.admin {
			admin = append(admin, cmd.name)
		} else {
			member = append(member, cmd.name)
		}
	}
	fmt.Fprintln(c.out, "Available commands:")
	fmt.Fprintf(c.out, "  Members: %s\n", strings.Join(member, ", "))
	fmt.Fprintf(c.out, "  Admins:  %s\n", strings.Join(admin, ", "))
	fmt.Fprintln(c.out, "  System:  help, exit")
}

func describe(err *client.ResponseError) string {
	if err.Message != "" {
		return fmt.Sprintf("%s: %s", err.Code, err.Message)
	}
	return err.Code
}

// password reads a masked password on a terminal, a plain line otherwise.
func (c *console) password(label string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return readPassword(label + ": ")
	}
	p, _ := c.prompt(label)
	return p, nil
}

func (c *console) prompt(label string) (string, bool) {
	fmt.Fprintf(c.out, "%s: ", label)
	if !c.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.in.Text()), true
}

func (c *console) promptInt(label string, def int) (int, bool) {
	raw, ok := c.prompt(fmt.Sprintf("%s [%d]", label, def))
	if !ok {
		return 0, false
	}
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid number: %s\n", raw)
		return 0, false
	}
	return n, true
}

// ------------------ Session ------------------

func (c *console) ping(ctx context.Context) error {
	start := time.Now()
	if err := c.client.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "PONG in %s\n", time.Since(start).Round(time.Microsecond))
	return nil
}

func (c *console) login(ctx context.Context) error {
	username, ok := c.prompt("Username")
	if !ok {
		return nil
	}
	password, err := c.password("Password")
	if err != nil {
		return err
	}
	u, err := c.client.Login(ctx, username, password)
	if err != nil {
		return err
	}
	c.user = u
	fmt.Fprintf(c.out, "Logged in as %s (%s)\n", u.Username, u.Role)
	return nil
}

func (c *console) register(ctx context.Context) error {
	username, ok := c.prompt("Username")
	if !ok {
		return nil
	}
	password, err := c.password(fmt.Sprintf("Enter password for %s", username))
	if err != nil {
		return err
	}
	id, err := c.client.Register(ctx, username, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Registered '%s' with ID %s\n", username, id)
	return nil
}

func (c *console) logout(ctx context.Context) error {
	if err := c.client.Logout(ctx); err != nil {
		return err
	}
	c.user = nil
	fmt.Fprintln(c.out, "Logged out.")
	return nil
}

func (c *console) changePassword(ctx context.Context) error {
	oldPassword, err := c.password("Current password")
	if err != nil {
		return err
	}
	newPassword, err := c.password("New password")
	if err != nil {
		return err
	}
	if err := c.client.ChangePassword(ctx, oldPassword, newPassword); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Password changed.")
	return nil
}

// ------------------ Catalog ------------------

func (c *console) printBooks(books []*library.Book) {
	if len(books) == 0 {
		fmt.Fprintln(c.out, "No books found.")
		return
	}
	fmt.Fprintf(c.out, "%-10s %-30s %-25s %-15s %s\n", "ID", "Title", "Author", "Category", "Available")
	fmt.Fprintln(c.out, strings.Repeat("-", 95))
	for _, b := range books {
		fmt.Fprintf(c.out, "%-10s %-30s %-25s %-15s %d/%d\n",
			truncateString(b.ID, 10),
			truncateString(b.Title, 30),
			truncateString(b.Author, 25),
			truncateString(b.Category, 15),
			b.Available, b.Total)
	}
}

func (c *console) listBooks(ctx context.Context) error {
	books, err := c.client.Books(ctx)
	if err != nil {
		return err
	}
	c.printBooks(books)
	return nil
}

func (c *console) searchBooks(ctx context.Context) error {
	field, ok := c.prompt("Field (title, author, category)")
	if !ok {
		return nil
	}
	query, ok := c.prompt("Query")
	if !ok {
		return nil
	}
	books, err := c.client.Search(ctx, field, query)
	if err != nil {
		return err
	}
	if len(books) == 0 {
		fmt.Fprintf(c.out, "No books found matching '%s'.\n", query)
		return nil
	}
	fmt.Fprintf(c.out, "Found %d book(s) matching '%s':\n", len(books), query)
	c.printBooks(books)
	return nil
}

func (c *console) showBook(ctx context.Context) error {
	id, ok := c.prompt("Book ID")
	if !ok {
		return nil
	}
	b, err := c.client.Book(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s by %s\n", b.Title, b.Author)
	fmt.Fprintf(c.out, "  ID:        %s\n", b.ID)
	fmt.Fprintf(c.out, "  Category:  %s\n", b.Category)
	fmt.Fprintf(c.out, "  Available: %d of %d\n", b.Available, b.Total)
	return nil
}

func (c *console) promptBook() (*library.Book, bool) {
	b := &library.Book{}
	var ok bool
	if b.ID, ok = c.prompt("Book ID"); !ok {
		return nil, false
	}
	if b.Title, ok = c.prompt("Title"); !ok {
		return nil, false
	}
	if b.Author, ok = c.prompt("Author"); !ok {
		return nil, false
	}
	if b.Category, ok = c.prompt("Category (optional)"); !ok {
		return nil, false
	}
	if b.Total, ok = c.promptInt("Total copies", 1); !ok {
		return nil, false
	}
	if b.Available, ok = c.promptInt("Available copies", b.Total); !ok {
		return nil, false
	}
	return b, true
}

func (c *console) addBook(ctx context.Context) error {
	b, ok := c.promptBook()
	if !ok {
		return nil
	}
	if err := c.client.AddBook(ctx, b); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Added book '%s' (ID %s)\n", b.Title, b.ID)
	return nil
}

func (c *console) updateBook(ctx context.Context) error {
	b, ok := c.promptBook()
	if !ok {
		return nil
	}
	if err := c.client.UpdateBook(ctx, b); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Updated book '%s' (ID %s)\n", b.Title, b.ID)
	return nil
}

func (c *console) deleteBook(ctx context.Context) error {
	id, ok := c.prompt("Book ID")
	if !ok {
		return nil
	}
	if err := c.client.DeleteBook(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Deleted book %s\n", id)
	return nil
}

// ------------------ Circulation ------------------

// dueIn renders a due date relative to now, e.g. "2 weeks from now".
func dueIn(l *protocol.Loan) string {
	if !l.Active() {
		return "returned " + l.ReturnDate.Format(library.DateLayout)
	}
	due := l.DueDate.Format(library.DateLayout)
	if l.Overdue {
		return fmt.Sprintf("OVERDUE since %s (%s)", due, humanize.Time(l.DueDate))
	}
	return fmt.Sprintf("due %s (%s)", due, humanize.Time(l.DueDate))
}

func (c *console) printLoans(loans []*protocol.Loan, withUser bool) {
	if len(loans) == 0 {
		fmt.Fprintln(c.out, "No borrowing records.")
		return
	}
	if withUser {
		fmt.Fprintf(c.out, "%-6s %-36s %-10s %-12s %s\n", "Record", "User", "Book", "Borrowed", "Status")
	} else {
		fmt.Fprintf(c.out, "%-6s %-10s %-12s %s\n", "Record", "Book", "Borrowed", "Status")
	}
	fmt.Fprintln(c.out, strings.Repeat("-", 90))
	for _, l := range loans {
		borrowed := l.BorrowDate.Format(library.DateLayout)
		if withUser {
			fmt.Fprintf(c.out, "%-6d %-36s %-10s %-12s %s\n", l.ID, l.UserID, truncateString(l.BookID, 10), borrowed, dueIn(l))
		} else {
			fmt.Fprintf(c.out, "%-6d %-10s %-12s %s\n", l.ID, truncateString(l.BookID, 10), borrowed, dueIn(l))
		}
	}
}

func (c *console) borrow(ctx context.Context) error {
	id, ok := c.prompt("Book ID")
	if !ok {
		return nil
	}
	loan, err := c.client.Borrow(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Borrowed %s, %s\n", loan.BookID, dueIn(loan))
	return nil
}

func (c *console) returnBook(ctx context.Context) error {
	id, ok := c.prompt("Book ID")
	if !ok {
		return nil
	}
	loan, err := c.client.Return(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Returned %s (borrowed %s)\n", loan.BookID, humanize.Time(loan.BorrowDate))
	return nil
}

func (c *console) myRecords(ctx context.Context) error {
	loans, err := c.client.MyRecords(ctx)
	if err != nil {
		return err
	}
	c.printLoans(loans, false)
	return nil
}

func (c *console) myOverdue(ctx context.Context) error {
	loans, err := c.client.MyOverdue(ctx)
	if err != nil {
		return err
	}
	if len(loans) == 0 {
		fmt.Fprintln(c.out, "Nothing overdue.")
		return nil
	}
	c.printLoans(loans, false)
	return nil
}

func (c *console) allRecords(ctx context.Context) error {
	loans, err := c.client.AllRecords(ctx)
	if err != nil {
		return err
	}
	c.printLoans(loans, true)
	return nil
}

// ------------------ Rankings ------------------

func (c *console) recommend(ctx context.Context) error {
	limit, ok := c.promptInt("How many", 5)
	if !ok {
		return nil
	}
	code, books, err := c.client.Recommendations(ctx, limit)
	if err != nil {
		return err
	}
	switch code {
	case "NO_PREFERRED_CATEGORIES":
		fmt.Fprintln(c.out, "Your borrowed books have no categories to go on yet.")
	case "NO_NEW_RECOMMENDATIONS_IN_PREFERRED_CATEGORIES":
		fmt.Fprintln(c.out, "You have read everything in your favourite categories.")
	case "NO_RECOMMENDATIONS_AVAILABLE":
		fmt.Fprintln(c.out, "No recommendations available.")
	default:
		c.printBooks(books)
	}
	return nil
}

func (c *console) printCounts(counts []*library.BookCount) {
	if len(counts) == 0 {
		fmt.Fprintln(c.out, "No borrowing data.")
		return
	}
	fmt.Fprintf(c.out, "%-4s %-10s %-30s %-25s %s\n", "#", "ID", "Title", "Author", "Borrows")
	fmt.Fprintln(c.out, strings.Repeat("-", 85))
	for i, bc := range counts {
		fmt.Fprintf(c.out, "%-4s %-10s %-30s %-25s %s\n",
			humanize.Ordinal(i+1),
			truncateString(bc.ID, 10),
			truncateString(bc.Title, 30),
			truncateString(bc.Author, 25),
			humanize.Comma(int64(bc.Count)))
	}
}

func (c *console) popular(ctx context.Context) error {
	limit, ok := c.promptInt("How many", 10)
	if !ok {
		return nil
	}
	counts, err := c.client.Popular(ctx, limit)
	if err != nil {
		return err
	}
	c.printCounts(counts)
	return nil
}

func (c *console) trending(ctx context.Context) error {
	limit, ok := c.promptInt("How many", 10)
	if !ok {
		return nil
	}
	days, ok := c.promptInt("Over the last N days", 30)
	if !ok {
		return nil
	}
	counts, err := c.client.Trending(ctx, limit, days)
	if err != nil {
		return err
	}
	c.printCounts(counts)
	return nil
}

// ------------------ Users ------------------

func (c *console) listUsers(ctx context.Context) error {
	users, err := c.client.Users(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(c.out, "No users registered.")
		return nil
	}
	fmt.Fprintf(c.out, "%-36s %-20s %-7s %s\n", "ID", "Username", "Role", "Active")
	fmt.Fprintln(c.out, strings.Repeat("-", 75))
	for _, u := range users {
		fmt.Fprintf(c.out, "%-36s %-20s %-7s %t\n", u.ID, truncateString(u.Username, 20), u.Role, u.Active)
	}
	return nil
}

func (c *console) setUserStatus(ctx context.Context) error {
	id, ok := c.prompt("User ID")
	if !ok {
		return nil
	}
	raw, ok := c.prompt("Active (true/false)")
	if !ok {
		return nil
	}
	active, err := strconv.ParseBool(raw)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid value: %s\n", raw)
		return nil
	}
	u, err := c.client.SetUserStatus(ctx, id, active)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "User %s is now %s\n", u.Username, map[bool]string{true: "active", false: "inactive"}[u.Active])
	return nil
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}
