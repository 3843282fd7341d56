// Package protocol implements the line-oriented text encoding spoken between
// the lending server and its clients.
//
// A request is one line `COMMAND::arg1::...::argN`. A response is one line
// `STATUS::CODE[::payload]`. List payloads join records with ';' and the
// fields of a record with '|'.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	FieldSep  = "::"
	RecordSep = ";"
	ValueSep  = "|"
)

// Status is the top-level outcome kind of a response.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusError   Status = "ERROR"
)

func (s Status) valid() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusError
}

// Error codes produced by the session engine itself.
const (
	CodeInvalidRequestFormat = "INVALID_REQUEST_FORMAT"
	CodeUnknownRequestType   = "UNKNOWN_REQUEST_TYPE"
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeAdminAccessDenied    = "ADMIN_ACCESS_DENIED"
	CodeAlreadyLoggedIn      = "ALREADY_LOGGED_IN"
	CodeInternalServerError  = "INTERNAL_SERVER_ERROR"
	CodeRequestTooLarge      = "REQUEST_TOO_LARGE"
)

// InvalidArgsCode is the error code for a malformed argument list of cmd.
func InvalidArgsCode(cmd Command) string { return string(cmd) + "_INVALID_ARGS" }

var (
	ErrEmptyRequest    = errors.New("empty request line")
	ErrMalformedStatus = errors.New("malformed response line")
)

// Request is one decoded request line. Command is upper-cased; Args keeps
// every field after the command, trailing empty ones included.
type Request struct {
	Command Command
	Args    []string
}

// NewRequest builds a request for cmd.
func NewRequest(cmd Command, args ...string) *Request {
	return &Request{Command: cmd, Args: args}
}

// ParseRequest decodes a request line. The trailing newline, if any, and a
// carriage return are stripped first.
func ParseRequest(line string) (*Request, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyRequest
	}
	// strings.Split keeps trailing empty fields: "LOGIN::bob::" has two args.
	fields := strings.Split(line, FieldSep)
	return &Request{
		Command: Command(strings.ToUpper(strings.TrimSpace(fields[0]))),
		Args:    fields[1:],
	}, nil
}

// String encodes the request without the line terminator.
func (r *Request) String() string {
	if len(r.Args) == 0 {
		return string(r.Command)
	}
	return string(r.Command) + FieldSep + strings.Join(r.Args, FieldSep)
}

// Response is one decoded response line.
type Response struct {
	Status  Status
	Code    string
	Payload string
}

func Success(code string, payload string) *Response {
	return &Response{Status: StatusSuccess, Code: code, Payload: payload}
}

func Failure(code string, message string) *Response {
	return &Response{Status: StatusFailure, Code: code, Payload: message}
}

func Error(code string, payload string) *Response {
	return &Response{Status: StatusError, Code: code, Payload: payload}
}

// OK reports whether the response has SUCCESS status.
func (r *Response) OK() bool { return r.Status == StatusSuccess }

// String encodes the response without the line terminator. Payloads are
// single-line; embedded line breaks are flattened to spaces.
func (r *Response) String() string {
	s := string(r.Status) + FieldSep + r.Code
	if r.Payload != "" {
		s += FieldSep + strings.NewReplacer("\r", " ", "\n", " ").Replace(r.Payload)
	}
	return s
}

// ParseResponse decodes a response line. Everything after the second
// separator is payload, even if it contains further separators.
func ParseResponse(line string) (*Response, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, FieldSep, 3)
	if len(parts) < 2 || !Status(parts[0]).valid() || parts[1] == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedStatus, line)
	}
	resp := &Response{Status: Status(parts[0]), Code: parts[1]}
	if len(parts) == 3 {
		resp.Payload = parts[2]
	}
	return resp, nil
}

// splitRecords splits a list payload. An empty payload has no records.
func splitRecords(payload string) []string {
	if payload == "" {
		return nil
	}
	return strings.Split(payload, RecordSep)
}
