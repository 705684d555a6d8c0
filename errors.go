package valkey

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrClosed rejects command execution after Connection.Close.
var ErrClosed = errors.New("redis: client closed")

// ErrConnLost signals connection loss to a request awaiting its response
// in the FIFO queue.
var ErrConnLost = errors.New("redis: connection lost while awaiting response")

// ErrProtocolViolation signals invalid RESP reception; fatal per
// connection (spec §7).
var ErrProtocolViolation = errors.New("redis: protocol violation")

// ErrCancelled is the result recorded on a pending request whose caller's
// context was cancelled (explicitly, or via a deadline) before it
// resolved. The caller itself receives the context's error
// (context.Canceled or context.DeadlineExceeded).
var ErrCancelled = errors.New("redis: request cancelled")

// ErrDisconnected is returned to every pending/future request once a
// connection has moved to its terminal Closed state.
var ErrDisconnected = errors.New("redis: disconnected")

// ErrRoutingExhausted is returned by the cluster router when a command
// exceeds ClusterConfig.MaxRedirects (spec §4.7).
var ErrRoutingExhausted = errors.New("redis: max redirects exceeded")

// ErrCrossSlot is returned client-side when a multi-key command's keys
// resolve to more than one hash slot and cross-slot validation is on
// (spec §4.7).
var ErrCrossSlot = errors.New("redis: keys span multiple cluster slots")

// Server error class tokens observed on the wire (spec §6).
const (
	ClassMoved       = "MOVED"
	ClassAsk         = "ASK"
	ClassCrossSlot   = "CROSSSLOT"
	ClassClusterDown = "CLUSTERDOWN"
	ClassNoAuth      = "NOAUTH"
	ClassWrongPass   = "WRONGPASS"
	ClassNoScript    = "NOSCRIPT"
	ClassBusy        = "BUSY"
	ClassLoading     = "LOADING"
	ClassReadOnly    = "READONLY"
	ClassWrongType   = "WRONGTYPE"
	ClassErr         = "ERR"
)

// ServerError is a command response error reported by Redis/Valkey,
// extended with structured classification.
type ServerError string

// Error honors the error interface.
func (e ServerError) Error() string {
	return fmt.Sprintf("redis: server error %q", string(e))
}

// Typed, errors.Is-comparable sentinels for the error classes of
// Class()/Prefix(), so a collaborator can branch with
// errors.Is(err, ErrMoved) instead of string-matching e.Class() (spec
// §6, SPEC_FULL.md supplement 3).
var (
	ErrMoved       = errors.New("redis: MOVED")
	ErrAsk         = errors.New("redis: ASK")
	ErrClusterDown = errors.New("redis: CLUSTERDOWN")
	ErrNoAuth      = errors.New("redis: NOAUTH")
	ErrWrongPass   = errors.New("redis: WRONGPASS")
	ErrNoScript    = errors.New("redis: NOSCRIPT")
	ErrBusy        = errors.New("redis: BUSY")
	ErrLoading     = errors.New("redis: LOADING")
	ErrReadOnly    = errors.New("redis: READONLY")
	ErrWrongType   = errors.New("redis: WRONGTYPE")
)

var classSentinels = map[string]error{
	ClassMoved:       ErrMoved,
	ClassAsk:         ErrAsk,
	ClassClusterDown: ErrClusterDown,
	ClassNoAuth:      ErrNoAuth,
	ClassWrongPass:   ErrWrongPass,
	ClassNoScript:    ErrNoScript,
	ClassBusy:        ErrBusy,
	ClassLoading:     ErrLoading,
	ClassReadOnly:    ErrReadOnly,
	ClassWrongType:   ErrWrongType,
	ClassCrossSlot:   ErrCrossSlot,
}

// Is implements the errors.Is matching protocol: a ServerError whose
// class token has a registered sentinel compares equal to it, e.g.
// errors.Is(err, ErrMoved) for a "MOVED 1649 host:port" ServerError.
func (e ServerError) Is(target error) bool {
	sentinel, ok := classSentinels[e.Class()]
	return ok && sentinel == target
}

// Class returns the first whitespace-delimited word, the error kind
// token (e.g. "ERR", "WRONGTYPE", "MOVED").
func (e ServerError) Class() string {
	s := string(e)
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}

// Prefix is an alias of Class kept for API continuity.
func (e ServerError) Prefix() string { return e.Class() }

// Message returns everything after the class token.
func (e ServerError) Message() string {
	s := string(e)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return strings.TrimLeft(s[i+1:], " ")
	}
	return ""
}

// RedirectKind distinguishes MOVED from ASK redirects.
type RedirectKind int

const (
	RedirectMoved RedirectKind = iota
	RedirectAsk
)

// RedirectError carries a cluster redirect (spec §4.7, §7).
type RedirectError struct {
	Kind     RedirectKind
	Slot     int
	Endpoint string
}

func (e *RedirectError) Error() string {
	kind := ClassMoved
	if e.Kind == RedirectAsk {
		kind = ClassAsk
	}
	return fmt.Sprintf("redis: %s %d %s", kind, e.Slot, e.Endpoint)
}

// ParseRedirect classifies a ServerError as a MOVED/ASK redirect, per
// spec §4.7: "MOVED <slot> host:port" / "ASK <slot> host:port".
func ParseRedirect(e ServerError) (*RedirectError, bool) {
	fields := strings.Fields(string(e))
	if len(fields) != 3 {
		return nil, false
	}
	var kind RedirectKind
	switch fields[0] {
	case ClassMoved:
		kind = RedirectMoved
	case ClassAsk:
		kind = RedirectAsk
	default:
		return nil, false
	}
	slot, err := parseSlotField(fields[1])
	if err != nil {
		return nil, false
	}
	return &RedirectError{Kind: kind, Slot: slot, Endpoint: fields[2]}, true
}

func parseSlotField(s string) (int, error) {
	var n int
	if s == "" {
		return 0, errors.New("redis: empty slot field")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("redis: invalid slot field %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// connectFailure wraps a dial error with the redirect-free context a
// caller needs (spec §7 ConnectFailure).
func connectFailure(addr string, cause error) error {
	return errors.Wrapf(cause, "redis: offline due to %s", addr)
}

// protocolFailure wraps a resp parser error with connection context.
func protocolFailure(cause error) error {
	return errors.Wrap(cause, "redis: protocol violation, closing connection")
}
