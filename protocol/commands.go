package protocol

// Command is a request verb.
type Command string

const (
	CmdPing                    Command = "PING"
	CmdLogin                   Command = "LOGIN"
	CmdRegister                Command = "REGISTER"
	CmdLogout                  Command = "LOGOUT"
	CmdChangePassword          Command = "CHANGE_PASSWORD"
	CmdGetAllBooks             Command = "GET_ALL_BOOKS"
	CmdSearchBook              Command = "SEARCH_BOOK"
	CmdGetBookByID             Command = "GET_BOOK_BY_ID"
	CmdBorrowBook              Command = "BORROW_BOOK"
	CmdReturnBook              Command = "RETURN_BOOK"
	CmdViewMyBorrowingRecords  Command = "VIEW_MY_BORROWING_RECORDS"
	CmdGetMyOverdueBooks       Command = "GET_MY_OVERDUE_BOOKS"
	CmdGetMyRecommendations    Command = "GET_MY_RECOMMENDATIONS"
	CmdAddBook                 Command = "ADD_BOOK"
	CmdUpdateBook              Command = "UPDATE_BOOK"
	CmdDeleteBook              Command = "DELETE_BOOK"
	CmdViewAllBorrowingRecords Command = "VIEW_ALL_BORROWING_RECORDS"
	CmdGetPopularBooks         Command = "GET_POPULAR_BOOKS"
	CmdGetTrendingBooks        Command = "GET_TRENDING_BOOKS"
	CmdGetAllUsers             Command = "GET_ALL_USERS"
	CmdUpdateUserStatus        Command = "UPDATE_USER_STATUS"
	CmdTerminateConnection     Command = "TERMINATE_CONNECTION"
)

// argCounts is the exact number of arguments each command takes.
var argCounts = map[Command]int{
	CmdPing:                    0,
	CmdLogin:                   2,
	CmdRegister:                2,
	CmdLogout:                  0,
	CmdChangePassword:          2,
	CmdGetAllBooks:             0,
	CmdSearchBook:              2,
	CmdGetBookByID:             1,
	CmdBorrowBook:              1,
	CmdReturnBook:              1,
	CmdViewMyBorrowingRecords:  0,
	CmdGetMyOverdueBooks:       0,
	CmdGetMyRecommendations:    1,
	CmdAddBook:                 6,
	CmdUpdateBook:              6,
	CmdDeleteBook:              1,
	CmdViewAllBorrowingRecords: 0,
	CmdGetPopularBooks:         1,
	CmdGetTrendingBooks:        2,
	CmdGetAllUsers:             0,
	CmdUpdateUserStatus:        2,
	CmdTerminateConnection:     0,
}

// Known reports whether cmd is part of the protocol.
func (c Command) Known() bool {
	_, ok := argCounts[c]
	return ok
}

// Arity returns the number of arguments cmd requires.
func (c Command) Arity() int { return argCounts[c] }

// Commands lists every protocol command.
func Commands() []Command {
	out := make([]Command, 0, len(argCounts))
	for c := range argCounts {
		out = append(out, c)
	}
	return out
}
