package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"library-lending/client"
	"library-lending/library"
	"library-lending/protocol"
)

type testServer struct {
	srv     *Server
	manager *library.LibraryManager
	db      *library.Database
	addr    string
	errCh   chan error
}

func startServer(t *testing.T, cfg Config, opts ...Option) *testServer {
	t.Helper()
	db, err := library.NewDatabase(filepath.Join(t.TempDir(), "lib.db"), 0)
	require.NoError(t, err)
	lm := library.NewLibraryManager(db, &library.BcryptHasher{Cost: bcrypt.MinCost}, zap.NewNop())
	_, err = lm.EnsureAdmin(context.Background(), "admin", "admin123")
	require.NoError(t, err)

	cfg.Addr = "127.0.0.1:0"
	ts := &testServer{srv: New(cfg, lm, opts...), manager: lm, db: db, errCh: make(chan error, 1)}
	go func() { ts.errCh <- ts.srv.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.WaitUntilReady(ctx))
	ts.addr = ts.srv.ListenerAddr().String()

	t.Cleanup(func() {
		_ = ts.srv.Stop()
		select {
		case <-ts.errCh:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
		db.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), ts.addr, client.WithTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (ts *testServer) admin(t *testing.T) *client.Client {
	t.Helper()
	c := ts.dial(t)
	_, err := c.Login(context.Background(), "admin", "admin123")
	require.NoError(t, err)
	return c
}

func (ts *testServer) member(t *testing.T, username string) *client.Client {
	t.Helper()
	ctx := context.Background()
	c := ts.dial(t)
	_, err := c.Register(ctx, username, "secret123")
	require.NoError(t, err)
	_, err = c.Login(ctx, username, "secret123")
	require.NoError(t, err)
	return c
}

func requireResponse(t *testing.T, c *client.Client, line, want string) {
	t.Helper()
	resp, err := c.DoLine(context.Background(), line)
	require.NoError(t, err)
	assert.Equal(t, want, resp.String(), "request %q", line)
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	re, ok := err.(*client.ResponseError)
	require.True(t, ok, "expected a response error, got %v", err)
	assert.Equal(t, code, re.Code)
}

func TestDecodeAndGateErrors(t *testing.T) {
	ts := startServer(t, Config{})
	c := ts.dial(t)

	requireResponse(t, c, "PING", "SUCCESS::PONG")
	requireResponse(t, c, "ping\r", "SUCCESS::PONG")
	requireResponse(t, c, "", "ERROR::INVALID_REQUEST_FORMAT")
	requireResponse(t, c, "fly::away", "ERROR::UNKNOWN_REQUEST_TYPE::fly")
	requireResponse(t, c, "LOGIN::admin", "ERROR::LOGIN_INVALID_ARGS")
	requireResponse(t, c, "PING::extra", "ERROR::PING_INVALID_ARGS")
	requireResponse(t, c, "GET_ALL_BOOKS", "ERROR::AUTH_REQUIRED")
	requireResponse(t, c, "DELETE_BOOK::B1", "ERROR::AUTH_REQUIRED")

	// A trailing empty field is still a field.
	requireResponse(t, c, "LOGIN::admin::", "FAILURE::LOGIN_FAILED::Invalid credentials")

	// None of the above closed the connection.
	require.NoError(t, c.Ping(context.Background()))
}

func TestAdminGate(t *testing.T) {
	ts := startServer(t, Config{})
	ctx := context.Background()
	alice := ts.member(t, "alice")

	err := alice.AddBook(ctx, &library.Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 1, Total: 1})
	requireCode(t, err, protocol.CodeAdminAccessDenied)
	_, err = alice.Users(ctx)
	requireCode(t, err, protocol.CodeAdminAccessDenied)

	admin := ts.admin(t)
	require.NoError(t, admin.AddBook(ctx, &library.Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 1, Total: 1}))
	requireResponse(t, admin, "ADD_BOOK::B2::T::A::::x::1", "ERROR::ADD_BOOK_INVALID_ARGS")
	requireResponse(t, admin, "GET_TRENDING_BOOKS::5::0", "ERROR::GET_TRENDING_BOOKS_INVALID_ARGS")
	requireResponse(t, admin, "UPDATE_USER_STATUS::someone::maybe", "ERROR::UPDATE_USER_STATUS_INVALID_ARGS")

	users, err := admin.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestSessionStateTransitions(t *testing.T) {
	ts := startServer(t, Config{})
	ctx := context.Background()
	c := ts.member(t, "alice")

	_, err := c.Login(ctx, "alice", "secret123")
	requireCode(t, err, protocol.CodeAlreadyLoggedIn)

	require.NoError(t, c.Logout(ctx))
	_, err = c.Books(ctx)
	requireCode(t, err, protocol.CodeAuthRequired)

	_, err = c.Login(ctx, "alice", "secret123")
	require.NoError(t, err)
	books, err := c.Books(ctx)
	require.NoError(t, err)
	assert.Empty(t, books)

	resp, err := c.Do(ctx, protocol.CmdTerminateConnection)
	require.NoError(t, err)
	assert.Equal(t, "CONNECTION_TERMINATED", resp.Code)
	_, err = c.Do(ctx, protocol.CmdPing)
	assert.Error(t, err, "connection should be closed after termination")
}

func TestBorrowScenarioOverTheWire(t *testing.T) {
	ts := startServer(t, Config{})
	ctx := context.Background()
	admin := ts.admin(t)
	require.NoError(t, admin.AddBook(ctx, &library.Book{ID: "B1", Title: "Dune", Author: "Herbert", Category: "SciFi", Available: 1, Total: 3}))

	u1 := ts.member(t, "u1")
	u2 := ts.member(t, "u2")

	loan, err := u1.Borrow(ctx, "B1")
	require.NoError(t, err)
	assert.Nil(t, loan.ReturnDate)
	assert.False(t, loan.Overdue)

	_, err = u2.Borrow(ctx, "B1")
	requireCode(t, err, library.CodeOutOfStock)

	returned, err := u1.Return(ctx, "B1")
	require.NoError(t, err)
	assert.NotNil(t, returned.ReturnDate)
	b, err := u1.Book(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Available)

	_, err = u2.Borrow(ctx, "B1")
	require.NoError(t, err)
	b, err = u2.Book(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Available)

	_, err = u1.Return(ctx, "B1")
	requireCode(t, err, library.CodeNoActiveLoan)

	records, err := u1.MyRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].ReturnDate)

	all, err := admin.AllRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	popular, err := admin.Popular(ctx, 5)
	require.NoError(t, err)
	require.Len(t, popular, 1)
	assert.Equal(t, 2, popular[0].Count)

	code, recs, err := u1.Recommendations(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "NO_NEW_RECOMMENDATIONS_IN_PREFERRED_CATEGORIES", code)
	assert.Empty(t, recs)
}

func TestAdminCannotDeactivateSelf(t *testing.T) {
	ts := startServer(t, Config{})
	ctx := context.Background()
	admin := ts.dial(t)
	me, err := admin.Login(ctx, "admin", "admin123")
	require.NoError(t, err)

	_, err = admin.SetUserStatus(ctx, me.ID, false)
	requireCode(t, err, library.CodeCannotDeactivateSelf)

	users, err := admin.Users(ctx)
	require.NoError(t, err)
	for _, u := range users {
		if u.ID == me.ID {
			assert.True(t, u.Active)
		}
	}
}

func TestConcurrentSessionsBorrowLastCopy(t *testing.T) {
	ts := startServer(t, Config{MaxWorkers: 16})
	ctx := context.Background()
	admin := ts.admin(t)
	require.NoError(t, admin.AddBook(ctx, &library.Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 1, Total: 1}))

	const n = 8
	clients := make([]*client.Client, n)
	for i := range clients {
		clients[i] = ts.member(t, fmt.Sprintf("user%d", i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		codes     []string
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			_, err := c.Borrow(ctx, "B1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if re, ok := err.(*client.ResponseError); ok {
				codes = append(codes, re.Code)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, codes, n-1)
	for _, code := range codes {
		assert.Equal(t, library.CodeOutOfStock, code)
	}
	b, err := admin.Book(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Available)
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	ts := startServer(t, Config{})
	c := ts.admin(t)
	require.NoError(t, ts.db.Close())

	requireResponse(t, c, "GET_ALL_BOOKS", "ERROR::INTERNAL_SERVER_ERROR::An internal server error occurred")
	require.NoError(t, c.Ping(context.Background()))
}

func TestPoolSaturationBlocksAccept(t *testing.T) {
	ts := startServer(t, Config{MaxWorkers: 1})
	first := ts.dial(t)
	require.NoError(t, first.Ping(context.Background()))

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("PING\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = reader.ReadString('\n')
	require.Error(t, err, "second connection must wait for a free worker")

	require.NoError(t, first.Terminate(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS::PONG", strings.TrimSpace(line))
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	ts := startServer(t, Config{IdleTimeout: 100 * time.Millisecond})
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = bufio.NewReader(conn).ReadString('\n')
	assert.Error(t, err)
}

func TestRequestTooLarge(t *testing.T) {
	ts := startServer(t, Config{MaxLineBytes: 64})
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("LOGIN::" + strings.Repeat("x", 200) + "::pw\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERROR::REQUEST_TOO_LARGE", strings.TrimSpace(line))
}

func TestStopDrainsIdleSessions(t *testing.T) {
	ts := startServer(t, Config{ShutdownGrace: 2 * time.Second})
	c := ts.dial(t)
	require.NoError(t, c.Ping(context.Background()))

	start := time.Now()
	require.NoError(t, ts.srv.Stop())
	assert.Less(t, time.Since(start), 2*time.Second, "idle sessions should not wait out the grace period")
	require.NoError(t, ts.srv.Stop())

	select {
	case err := <-ts.errCh:
		assert.NoError(t, err)
		ts.errCh <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	err := c.Ping(context.Background())
	assert.Error(t, err)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := New(Config{Addr: ln.Addr().String()}, nil)
	assert.Error(t, srv.Start())
	assert.NoError(t, srv.Stop())
}

func TestMetricsCountSessionsAndRequests(t *testing.T) {
	m := NewMetrics("test")
	ts := startServer(t, Config{}, WithMetrics(m))
	c := ts.dial(t)
	require.NoError(t, c.Ping(context.Background()))
	requireResponse(t, c, "NOPE", "ERROR::UNKNOWN_REQUEST_TYPE::NOPE")
	requireResponse(t, c, "", "ERROR::INVALID_REQUEST_FORMAT")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.connAccepted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reqCnt.WithLabelValues("PING", "SUCCESS")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.reqCnt.WithLabelValues("UNKNOWN", "ERROR")))
}

func TestRecommendationsOnEmptyCatalog(t *testing.T) {
	ts := startServer(t, Config{})
	c := ts.member(t, "alice")
	requireResponse(t, c, "GET_MY_RECOMMENDATIONS::5", "SUCCESS::NO_RECOMMENDATIONS_AVAILABLE")
}

func TestStopLetsInFlightRequestFinish(t *testing.T) {
	ts := startServer(t, Config{ShutdownGrace: 5 * time.Second})
	ctx := context.Background()
	admin := ts.admin(t)
	require.NoError(t, admin.AddBook(ctx, &library.Book{ID: "B1", Title: "Dune", Author: "Herbert", Available: 1, Total: 1}))
	m := ts.member(t, "alice")

	// Hold the write lock so the borrow stalls inside its transaction.
	locked := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- ts.db.WithinTx(ctx, func(ctx context.Context) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	type result struct {
		loan *protocol.Loan
		err  error
	}
	borrowed := make(chan result, 1)
	go func() {
		loan, err := m.Borrow(ctx, "B1")
		borrowed <- result{loan, err}
	}()
	time.Sleep(100 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- ts.srv.Stop() }()
	time.Sleep(100 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("Stop returned while a request was in flight")
	default:
	}

	close(release)
	require.NoError(t, <-txDone)

	select {
	case r := <-borrowed:
		require.NoError(t, r.err)
		assert.Equal(t, "B1", r.loan.BookID)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight borrow got no response")
	}
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the request finished")
	}

	book, err := ts.manager.GetBook(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 0, book.Available)
	records, err := ts.manager.AllRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// failingListener fails every Accept until closed, driving the accept backoff.
type failingListener struct {
	closed chan struct{}
	once   sync.Once
}

func (l *failingListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("too many open files")
	}
}

func (l *failingListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestStopInterruptsAcceptBackoff(t *testing.T) {
	m := NewMetrics("test")
	srv := New(Config{}, nil, WithMetrics(m))
	ln := &failingListener{closed: make(chan struct{})}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	// Let the backoff grow into the hundreds of milliseconds.
	time.Sleep(700 * time.Millisecond)
	assert.Greater(t, testutil.ToFloat64(m.acceptErrors), float64(3))

	start := time.Now()
	require.NoError(t, srv.Stop())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
