// Package lpemerr defines the error taxonomy shared by every component of
// the practice environment engine, so a caller can branch on failure class
// without string-matching messages.
package lpemerr

import "fmt"

// Kind classifies an error by the stage of the system that produced it.
type Kind string

const (
	LibvirtConnection   Kind = "libvirt_connection"
	VMNotFound          Kind = "vm_not_found"
	SnapshotOperation   Kind = "snapshot_operation"
	AgentCommand        Kind = "agent_command"
	Network             Kind = "network"
	SSHTransport        Kind = "ssh_transport"
	SSHCommand          Kind = "ssh_command"
	ChallengeLoad       Kind = "challenge_load"
	ChallengeValidation Kind = "challenge_validation"
	Internal            Kind = "internal"
)

// AgentSubKind further classifies an AgentCommand error.
type AgentSubKind string

const (
	AgentUnresponsive AgentSubKind = "unresponsive"
	AgentUnsupported  AgentSubKind = "unsupported"
	AgentProtocol     AgentSubKind = "protocol"
)

// Error is the single error type returned by every component. Reasons is
// populated for ChallengeValidation and ChallengeLoad.
type Error struct {
	Kind     Kind
	SubKind  AgentSubKind
	Reasons  []string
	Op       string
	err      error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an Error with no sub-kind or reasons.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, err: err}
}

// NewAgent builds an AgentCommand error with the given sub-kind.
func NewAgent(op string, sub AgentSubKind, err error) *Error {
	return &Error{Op: op, Kind: AgentCommand, SubKind: sub, err: err}
}

// NewValidation builds a ChallengeValidation error carrying the list of
// human-readable reasons the validation failed.
func NewValidation(op string, reasons []string) *Error {
	return &Error{Op: op, Kind: ChallengeValidation, Reasons: reasons,
		err: fmt.Errorf("%d validation failure(s)", len(reasons))}
}

// NewLoad builds a ChallengeLoad error carrying the list of
// human-readable reasons the descriptor failed to parse.
func NewLoad(op string, reasons []string) *Error {
	return &Error{Op: op, Kind: ChallengeLoad, Reasons: reasons,
		err: fmt.Errorf("%d descriptor error(s)", len(reasons))}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
