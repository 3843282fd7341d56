package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"library-lending/library"
	"library-lending/protocol"
)

type sessionState int

const (
	stateAnonymous sessionState = iota
	stateAuthenticated
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAnonymous:
		return "ANONYMOUS"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// requiresAuth lists the commands that need a logged-in user.
var requiresAuth = map[protocol.Command]bool{
	protocol.CmdLogout:                 true,
	protocol.CmdChangePassword:         true,
	protocol.CmdGetAllBooks:            true,
	protocol.CmdSearchBook:             true,
	protocol.CmdGetBookByID:            true,
	protocol.CmdBorrowBook:             true,
	protocol.CmdReturnBook:             true,
	protocol.CmdViewMyBorrowingRecords: true,
	protocol.CmdGetMyOverdueBooks:      true,
	protocol.CmdGetMyRecommendations:   true,
}

// requiresAdmin lists the commands reserved for ADMIN users. Being logged in
// is implied.
var requiresAdmin = map[protocol.Command]bool{
	protocol.CmdAddBook:                 true,
	protocol.CmdUpdateBook:              true,
	protocol.CmdDeleteBook:              true,
	protocol.CmdViewAllBorrowingRecords: true,
	protocol.CmdGetPopularBooks:         true,
	protocol.CmdGetTrendingBooks:        true,
	protocol.CmdGetAllUsers:             true,
	protocol.CmdUpdateUserStatus:        true,
}

// errInvalidArgs makes the session answer ERROR::<COMMAND>_INVALID_ARGS.
var errInvalidArgs = errors.New("invalid arguments")

const internalErrorMessage = "An internal server error occurred"

// Session is the per-connection state machine. It is owned by one worker
// goroutine and never shared.
type Session struct {
	id      string
	conn    net.Conn
	server  *Server
	manager *library.LibraryManager
	logger  *zap.Logger
	connLog *zap.Logger

	state sessionState
	user  *library.User
}

func newSession(srv *Server, conn net.Conn) *Session {
	id := uuid.NewString()
	logger := srv.logger.Named("session").With(zap.String("session_id", id))
	if conn != nil {
		logger = logger.With(zap.String("remote", conn.RemoteAddr().String()))
	}
	return &Session{
		id:      id,
		conn:    conn,
		server:  srv,
		manager: srv.manager,
		logger:  logger,
		connLog: logger,
		state:   stateAnonymous,
	}
}

// run reads request lines until EOF, TERMINATE_CONNECTION, an I/O error,
// the idle timeout or server shutdown.
func (s *Session) run() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.server.cfg.MaxLineBytes)), s.server.cfg.MaxLineBytes)

	for s.state != stateClosed {
		var deadline time.Time
		if s.server.cfg.IdleTimeout > 0 {
			deadline = time.Now().Add(s.server.cfg.IdleTimeout)
		}
		_ = s.conn.SetReadDeadline(deadline)
		// Checked after arming the deadline: Stop sets the flag before it
		// expires the deadlines, so one of the two is always observed.
		if s.server.stopping.Load() {
			s.logger.Debug("server stopping, closing session")
			return
		}

		if !scanner.Scan() {
			s.readEnded(scanner.Err())
			return
		}
		resp := s.Handle(s.server.baseCtx, scanner.Text())
		if err := s.write(resp); err != nil {
			s.logger.Debug("write failed", zap.Error(err))
			return
		}
	}
}

func (s *Session) readEnded(err error) {
	var netErr net.Error
	switch {
	case err == nil:
		s.logger.Debug("client disconnected")
	case errors.Is(err, bufio.ErrTooLong):
		s.logger.Warn("request line too long", zap.Int("max_bytes", s.server.cfg.MaxLineBytes))
		_ = s.write(protocol.Error(protocol.CodeRequestTooLarge, ""))
	case errors.As(err, &netErr) && netErr.Timeout():
		if s.server.stopping.Load() {
			s.logger.Debug("server stopping, closing session")
		} else {
			s.logger.Info("idle timeout", zap.Duration("idle_timeout", s.server.cfg.IdleTimeout))
		}
	default:
		s.logger.Debug("read failed", zap.Error(err))
	}
}

func (s *Session) write(resp *protocol.Response) error {
	_, err := io.WriteString(s.conn, resp.String()+"\n")
	return err
}

// Handle processes one request line and returns the response to send.
func (s *Session) Handle(ctx context.Context, line string) *protocol.Response {
	start := time.Now()
	req, err := protocol.ParseRequest(line)
	if err != nil {
		resp := protocol.Error(protocol.CodeInvalidRequestFormat, "")
		s.server.metrics.RequestDone("", resp.Status, start)
		return resp
	}

	resp := s.handle(ctx, req, line)
	s.server.metrics.RequestDone(req.Command, resp.Status, start)
	s.logger.Debug("request",
		zap.String("command", string(req.Command)),
		zap.String("status", string(resp.Status)),
		zap.String("code", resp.Code),
		zap.Duration("duration", time.Since(start)))
	return resp
}

func (s *Session) handle(ctx context.Context, req *protocol.Request, line string) *protocol.Response {
	handler, ok := routes[req.Command]
	if !ok {
		raw := strings.TrimSpace(strings.SplitN(strings.TrimRight(line, "\r\n"), protocol.FieldSep, 2)[0])
		return protocol.Error(protocol.CodeUnknownRequestType, raw)
	}
	if len(req.Args) != req.Command.Arity() {
		return protocol.Error(protocol.InvalidArgsCode(req.Command), "")
	}
	if (requiresAuth[req.Command] || requiresAdmin[req.Command]) && s.user == nil {
		return protocol.Error(protocol.CodeAuthRequired, "")
	}
	if requiresAdmin[req.Command] && !s.user.IsAdmin() {
		return protocol.Error(protocol.CodeAdminAccessDenied, "")
	}
	return s.dispatch(ctx, req, handler)
}

// dispatch runs handler and converts its error into a response. Panics are
// contained to the request that caused them.
func (s *Session) dispatch(ctx context.Context, req *protocol.Request, handler handlerFunc) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				zap.String("command", string(req.Command)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			resp = protocol.Error(protocol.CodeInternalServerError, internalErrorMessage)
		}
	}()

	out, err := handler(s, ctx, req.Args)
	if err == nil {
		return out
	}
	if errors.Is(err, errInvalidArgs) {
		return protocol.Error(protocol.InvalidArgsCode(req.Command), "")
	}
	if f, ok := library.AsFailure(err); ok {
		return protocol.Failure(f.Code, f.Message)
	}
	s.logger.Error("internal error", zap.String("command", string(req.Command)), zap.Error(err))
	return protocol.Error(protocol.CodeInternalServerError, internalErrorMessage)
}

func (s *Session) login(u *library.User) {
	s.user = u
	s.state = stateAuthenticated
	s.logger = s.logger.With(zap.String("user_id", u.ID))
	s.logger.Info("logged in", zap.String("username", u.Username))
}

func (s *Session) logout() {
	s.logger.Info("logged out")
	s.user = nil
	s.state = stateAnonymous
	s.logger = s.connLog
}
