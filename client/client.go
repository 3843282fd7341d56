// Package client speaks the lending line protocol over TCP.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"library-lending/library"
	"library-lending/protocol"
)

// DefaultTimeout bounds one request/response round trip when ctx has no deadline.
const DefaultTimeout = 30 * time.Second

// ResponseError is a FAILURE or ERROR answer from the server.
type ResponseError struct {
	Status  protocol.Status
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Status, e.Code, e.Message)
}

// Client is one connection, and therefore one session, to the server. Calls
// are serialized.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithTimeout sets the round-trip timeout used when ctx carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, reader: bufio.NewReader(conn), timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close closes the connection without sending TERMINATE_CONNECTION.
func (c *Client) Close() error { return c.conn.Close() }

// Do sends one raw request and returns the parsed response, whatever its status.
func (c *Client) Do(ctx context.Context, cmd protocol.Command, args ...string) (*protocol.Response, error) {
	return c.DoLine(ctx, protocol.NewRequest(cmd, args...).String())
}

// DoLine sends line verbatim and reads one response line.
func (c *Client) DoLine(ctx context.Context, line string) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return protocol.ParseResponse(reply)
}

// call is Do that turns a non-SUCCESS answer into a *ResponseError.
func (c *Client) call(ctx context.Context, cmd protocol.Command, args ...string) (*protocol.Response, error) {
	resp, err := c.Do(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, &ResponseError{Status: resp.Status, Code: resp.Code, Message: resp.Payload}
	}
	return resp, nil
}

func (c *Client) books(ctx context.Context, cmd protocol.Command, args ...string) ([]*library.Book, error) {
	resp, err := c.call(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeBooks(resp.Payload)
}

func (c *Client) records(ctx context.Context, cmd protocol.Command) ([]*protocol.Loan, error) {
	resp, err := c.call(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeRecords(resp.Payload)
}

func (c *Client) counts(ctx context.Context, cmd protocol.Command, args ...string) ([]*library.BookCount, error) {
	resp, err := c.call(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeBookCounts(resp.Payload)
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CmdPing)
	return err
}

func (c *Client) Login(ctx context.Context, username, password string) (*library.User, error) {
	resp, err := c.call(ctx, protocol.CmdLogin, username, password)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeUser(resp.Payload)
}

// Register creates an account and returns its user ID.
func (c *Client) Register(ctx context.Context, username, password string) (string, error) {
	resp, err := c.call(ctx, protocol.CmdRegister, username, password)
	if err != nil {
		return "", err
	}
	return resp.Payload, nil
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CmdLogout)
	return err
}

func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	_, err := c.call(ctx, protocol.CmdChangePassword, oldPassword, newPassword)
	return err
}

// Terminate ends the session and closes the connection.
func (c *Client) Terminate(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CmdTerminateConnection)
	cerr := c.Close()
	if err != nil {
		return err
	}
	return cerr
}

func (c *Client) Books(ctx context.Context) ([]*library.Book, error) {
	return c.books(ctx, protocol.CmdGetAllBooks)
}

func (c *Client) Search(ctx context.Context, field, term string) ([]*library.Book, error) {
	return c.books(ctx, protocol.CmdSearchBook, field, term)
}

func (c *Client) Book(ctx context.Context, id string) (*library.Book, error) {
	resp, err := c.call(ctx, protocol.CmdGetBookByID, id)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeBook(resp.Payload)
}

func (c *Client) Borrow(ctx context.Context, bookID string) (*protocol.Loan, error) {
	resp, err := c.call(ctx, protocol.CmdBorrowBook, bookID)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeRecord(resp.Payload)
}

func (c *Client) Return(ctx context.Context, bookID string) (*protocol.Loan, error) {
	resp, err := c.call(ctx, protocol.CmdReturnBook, bookID)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeRecord(resp.Payload)
}

func (c *Client) MyRecords(ctx context.Context) ([]*protocol.Loan, error) {
	return c.records(ctx, protocol.CmdViewMyBorrowingRecords)
}

func (c *Client) MyOverdue(ctx context.Context) ([]*protocol.Loan, error) {
	return c.records(ctx, protocol.CmdGetMyOverdueBooks)
}

// Recommendations returns the books and the outcome code, which tells an
// empty history apart from a history without categories.
func (c *Client) Recommendations(ctx context.Context, limit int) (string, []*library.Book, error) {
	resp, err := c.call(ctx, protocol.CmdGetMyRecommendations, strconv.Itoa(limit))
	if err != nil {
		return "", nil, err
	}
	books, err := protocol.DecodeBooks(resp.Payload)
	return resp.Code, books, err
}

func bookArgs(b *library.Book) []string {
	return []string{b.ID, b.Title, b.Author, b.Category, strconv.Itoa(b.Available), strconv.Itoa(b.Total)}
}

func (c *Client) AddBook(ctx context.Context, b *library.Book) error {
	_, err := c.call(ctx, protocol.CmdAddBook, bookArgs(b)...)
	return err
}

func (c *Client) UpdateBook(ctx context.Context, b *library.Book) error {
	_, err := c.call(ctx, protocol.CmdUpdateBook, bookArgs(b)...)
	return err
}

func (c *Client) DeleteBook(ctx context.Context, id string) error {
	_, err := c.call(ctx, protocol.CmdDeleteBook, id)
	return err
}

func (c *Client) AllRecords(ctx context.Context) ([]*protocol.Loan, error) {
	return c.records(ctx, protocol.CmdViewAllBorrowingRecords)
}

func (c *Client) Popular(ctx context.Context, limit int) ([]*library.BookCount, error) {
	return c.counts(ctx, protocol.CmdGetPopularBooks, strconv.Itoa(limit))
}

func (c *Client) Trending(ctx context.Context, limit, days int) ([]*library.BookCount, error) {
	return c.counts(ctx, protocol.CmdGetTrendingBooks, strconv.Itoa(limit), strconv.Itoa(days))
}

func (c *Client) Users(ctx context.Context) ([]*library.User, error) {
	resp, err := c.call(ctx, protocol.CmdGetAllUsers)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeUsers(resp.Payload)
}

func (c *Client) SetUserStatus(ctx context.Context, userID string, active bool) (*library.User, error) {
	resp, err := c.call(ctx, protocol.CmdUpdateUserStatus, userID, strconv.FormatBool(active))
	if err != nil {
		return nil, err
	}
	return protocol.DecodeUser(resp.Payload)
}
