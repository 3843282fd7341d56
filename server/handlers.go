package server

import (
	"context"
	"strconv"

	"library-lending/library"
	"library-lending/protocol"
)

type handlerFunc func(s *Session, ctx context.Context, args []string) (*protocol.Response, error)

// routes maps every command to its handler. Argument counts and the
// authorization gate are checked before a handler runs.
var routes = map[protocol.Command]handlerFunc{
	protocol.CmdPing:                    (*Session).handlePing,
	protocol.CmdLogin:                   (*Session).handleLogin,
	protocol.CmdRegister:                (*Session).handleRegister,
	protocol.CmdLogout:                  (*Session).handleLogout,
	protocol.CmdChangePassword:          (*Session).handleChangePassword,
	protocol.CmdGetAllBooks:             (*Session).handleGetAllBooks,
	protocol.CmdSearchBook:              (*Session).handleSearchBook,
	protocol.CmdGetBookByID:             (*Session).handleGetBookByID,
	protocol.CmdBorrowBook:              (*Session).handleBorrowBook,
	protocol.CmdReturnBook:              (*Session).handleReturnBook,
	protocol.CmdViewMyBorrowingRecords:  (*Session).handleMyRecords,
	protocol.CmdGetMyOverdueBooks:       (*Session).handleMyOverdue,
	protocol.CmdGetMyRecommendations:    (*Session).handleRecommendations,
	protocol.CmdAddBook:                 (*Session).handleAddBook,
	protocol.CmdUpdateBook:              (*Session).handleUpdateBook,
	protocol.CmdDeleteBook:              (*Session).handleDeleteBook,
	protocol.CmdViewAllBorrowingRecords: (*Session).handleAllRecords,
	protocol.CmdGetPopularBooks:         (*Session).handlePopular,
	protocol.CmdGetTrendingBooks:        (*Session).handleTrending,
	protocol.CmdGetAllUsers:             (*Session).handleAllUsers,
	protocol.CmdUpdateUserStatus:        (*Session).handleUpdateUserStatus,
	protocol.CmdTerminateConnection:     (*Session).handleTerminate,
}

// positive parses a strictly positive integer argument.
func positive(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, errInvalidArgs
	}
	return n, nil
}

func nonNegative(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, errInvalidArgs
	}
	return n, nil
}

// listOr answers code with payload, or empty when payload is empty.
func listOr(code, empty, payload string) *protocol.Response {
	if payload == "" {
		return protocol.Success(empty, "")
	}
	return protocol.Success(code, payload)
}

// ------------------ Session ------------------

func (s *Session) handlePing(context.Context, []string) (*protocol.Response, error) {
	return protocol.Success("PONG", ""), nil
}

func (s *Session) handleLogin(ctx context.Context, args []string) (*protocol.Response, error) {
	if s.user != nil {
		return protocol.Failure(protocol.CodeAlreadyLoggedIn, "Log out before logging in again"), nil
	}
	u, err := s.manager.Login(ctx, args[0], args[1])
	if err != nil {
		return nil, err
	}
	s.login(u)
	return protocol.Success("LOGIN_SUCCESSFUL", protocol.EncodeUser(u)), nil
}

func (s *Session) handleRegister(ctx context.Context, args []string) (*protocol.Response, error) {
	u, err := s.manager.Register(ctx, args[0], args[1])
	if err != nil {
		return nil, err
	}
	return protocol.Success("REGISTRATION_SUCCESSFUL", u.ID), nil
}

func (s *Session) handleLogout(context.Context, []string) (*protocol.Response, error) {
	s.logout()
	return protocol.Success("LOGOUT_SUCCESSFUL", ""), nil
}

func (s *Session) handleChangePassword(ctx context.Context, args []string) (*protocol.Response, error) {
	if err := s.manager.ChangePassword(ctx, s.user, args[0], args[1]); err != nil {
		return nil, err
	}
	return protocol.Success("PASSWORD_CHANGED", ""), nil
}

func (s *Session) handleTerminate(context.Context, []string) (*protocol.Response, error) {
	s.state = stateClosed
	return protocol.Success("CONNECTION_TERMINATED", ""), nil
}

// ------------------ Catalog ------------------

func (s *Session) handleGetAllBooks(ctx context.Context, _ []string) (*protocol.Response, error) {
	books, err := s.manager.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	return listOr("BOOK_LIST", "NO_BOOKS_FOUND", protocol.EncodeBooks(books)), nil
}

func (s *Session) handleSearchBook(ctx context.Context, args []string) (*protocol.Response, error) {
	books, err := s.manager.SearchBooks(ctx, args[0], args[1])
	if err != nil {
		return nil, err
	}
	return listOr("BOOK_LIST", "NO_BOOKS_FOUND_MATCHING_SEARCH", protocol.EncodeBooks(books)), nil
}

func (s *Session) handleGetBookByID(ctx context.Context, args []string) (*protocol.Response, error) {
	b, err := s.manager.GetBook(ctx, args[0])
	if err != nil {
		return nil, err
	}
	return protocol.Success("BOOK_DETAILS", protocol.EncodeBook(b)), nil
}

func bookFromArgs(args []string) (*library.Book, error) {
	available, err := nonNegative(args[4])
	if err != nil {
		return nil, err
	}
	total, err := nonNegative(args[5])
	if err != nil {
		return nil, err
	}
	return &library.Book{
		ID:        args[0],
		Title:     args[1],
		Author:    args[2],
		Category:  args[3],
		Available: available,
		Total:     total,
	}, nil
}

func (s *Session) handleAddBook(ctx context.Context, args []string) (*protocol.Response, error) {
	b, err := bookFromArgs(args)
	if err != nil {
		return nil, err
	}
	if err := s.manager.AddBook(ctx, b); err != nil {
		return nil, err
	}
	return protocol.Success("BOOK_ADDED", b.ID), nil
}

func (s *Session) handleUpdateBook(ctx context.Context, args []string) (*protocol.Response, error) {
	b, err := bookFromArgs(args)
	if err != nil {
		return nil, err
	}
	if err := s.manager.UpdateBook(ctx, b); err != nil {
		return nil, err
	}
	return protocol.Success("BOOK_UPDATED", b.ID), nil
}

func (s *Session) handleDeleteBook(ctx context.Context, args []string) (*protocol.Response, error) {
	if err := s.manager.DeleteBook(ctx, args[0]); err != nil {
		return nil, err
	}
	return protocol.Success("BOOK_DELETED", args[0]), nil
}

// ------------------ Circulation ------------------

func (s *Session) handleBorrowBook(ctx context.Context, args []string) (*protocol.Response, error) {
	rec, err := s.manager.Borrow(ctx, s.user, args[0])
	if err != nil {
		return nil, err
	}
	return protocol.Success("BORROW_SUCCESSFUL", protocol.EncodeRecord(rec, s.manager.Today())), nil
}

func (s *Session) handleReturnBook(ctx context.Context, args []string) (*protocol.Response, error) {
	rec, err := s.manager.Return(ctx, s.user, args[0])
	if err != nil {
		return nil, err
	}
	return protocol.Success("RETURN_SUCCESSFUL", protocol.EncodeRecord(rec, s.manager.Today())), nil
}

func (s *Session) handleMyRecords(ctx context.Context, _ []string) (*protocol.Response, error) {
	records, err := s.manager.UserRecords(ctx, s.user.ID)
	if err != nil {
		return nil, err
	}
	payload := protocol.EncodeRecords(records, s.manager.Today())
	return listOr("MY_BORROWING_RECORDS", "NO_BORROWING_RECORDS_FOUND", payload), nil
}

func (s *Session) handleMyOverdue(ctx context.Context, _ []string) (*protocol.Response, error) {
	records, err := s.manager.OverdueRecords(ctx, s.user.ID)
	if err != nil {
		return nil, err
	}
	payload := protocol.EncodeRecords(records, s.manager.Today())
	return listOr("MY_OVERDUE_BOOKS", "NO_OVERDUE_BOOKS", payload), nil
}

func (s *Session) handleAllRecords(ctx context.Context, _ []string) (*protocol.Response, error) {
	records, err := s.manager.AllRecords(ctx)
	if err != nil {
		return nil, err
	}
	payload := protocol.EncodeRecords(records, s.manager.Today())
	return listOr("ALL_BORROWING_RECORDS", "NO_BORROWING_RECORDS_FOUND_SYSTEM_WIDE", payload), nil
}

// ------------------ Rankings ------------------

func (s *Session) handleRecommendations(ctx context.Context, args []string) (*protocol.Response, error) {
	limit, err := positive(args[0])
	if err != nil {
		return nil, err
	}
	rec, err := s.manager.Recommend(ctx, s.user.ID, limit)
	if err != nil {
		return nil, err
	}
	payload := protocol.EncodeBooks(rec.Books)
	switch rec.Source {
	case library.RecommendNoPreferredCategories:
		return protocol.Success("NO_PREFERRED_CATEGORIES", ""), nil
	case library.RecommendPreferred:
		return listOr("RECOMMENDATIONS", "NO_NEW_RECOMMENDATIONS_IN_PREFERRED_CATEGORIES", payload), nil
	default:
		return listOr("RECOMMENDATIONS", "NO_RECOMMENDATIONS_AVAILABLE", payload), nil
	}
}

func (s *Session) handlePopular(ctx context.Context, args []string) (*protocol.Response, error) {
	limit, err := positive(args[0])
	if err != nil {
		return nil, err
	}
	counts, err := s.manager.PopularBooks(ctx, limit)
	if err != nil {
		return nil, err
	}
	return listOr("POPULAR_BOOKS_LIST", "NO_POPULAR_BOOKS_DATA", protocol.EncodeBookCounts(counts)), nil
}

func (s *Session) handleTrending(ctx context.Context, args []string) (*protocol.Response, error) {
	limit, err := positive(args[0])
	if err != nil {
		return nil, err
	}
	days, err := positive(args[1])
	if err != nil {
		return nil, err
	}
	counts, err := s.manager.TrendingBooks(ctx, limit, days)
	if err != nil {
		return nil, err
	}
	return listOr("TRENDING_BOOKS_LIST", "NO_TRENDING_BOOKS_DATA", protocol.EncodeBookCounts(counts)), nil
}

// ------------------ Users ------------------

func (s *Session) handleAllUsers(ctx context.Context, _ []string) (*protocol.Response, error) {
	users, err := s.manager.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return listOr("USER_LIST", "NO_USERS_FOUND", protocol.EncodeUsers(users)), nil
}

func (s *Session) handleUpdateUserStatus(ctx context.Context, args []string) (*protocol.Response, error) {
	var active bool
	switch args[1] {
	case "true":
		active = true
	case "false":
	default:
		return nil, errInvalidArgs
	}
	u, err := s.manager.UpdateUserStatus(ctx, s.user, args[0], active)
	if err != nil {
		return nil, err
	}
	return protocol.Success("USER_STATUS_UPDATED", protocol.EncodeUser(u)), nil
}
