// Package challenge defines the declarative practice-challenge
// descriptor: setup and validation steps, hints, and scoring.
package challenge

import "regexp"

// Challenge is one practice scenario: a list of setup steps to run
// before the user works, a list of validation steps to check their
// work, and the hints available to them along the way.
type Challenge struct {
	ID                   string
	Name                 string
	Description          string
	Category             string
	Difficulty           string
	BaseScore            int
	Concepts             []string
	Setup                []Step
	UserActionSimulation string
	Validate             []Step
	Hints                []Hint
	Flag                 string
}

// Hint is one piece of help a user can reveal, at a point cost.
type Hint struct {
	Text string
	Cost int
}

// StepKind discriminates the validation step sum type.
type StepKind string

const (
	KindRunCommand         StepKind = "run_command"
	KindCheckServiceStatus StepKind = "check_service_status"
	KindCheckPortListening StepKind = "check_port_listening"
	KindCheckFileExists    StepKind = "check_file_exists"
	KindCheckFileContains  StepKind = "check_file_contains"
)

// Step is implemented by each of the five step kinds. Label is shown in
// validation failure reasons.
type Step interface {
	Kind() StepKind
	Label() string
}

// RunCommandStep runs an arbitrary shell command and checks its exit
// status (default 0) and, optionally, its output against the rest of
// success_criteria.
type RunCommandStep struct {
	Command            string
	ExitStatus         int
	StdoutEquals       string
	StdoutContains     string
	StdoutMatchesRegex *regexp.Regexp
	StderrEmpty        *bool
	StderrContains     string
}

func (s RunCommandStep) Kind() StepKind { return KindRunCommand }
func (s RunCommandStep) Label() string  { return "run `" + s.Command + "`" }

// CheckServiceStatusStep checks a systemd unit's active state via
// `systemctl is-active`, and optionally its enabled state.
type CheckServiceStatusStep struct {
	Service        string
	ExpectedStatus string // "active", "inactive", or "failed"
	CheckEnabled   bool
}

func (s CheckServiceStatusStep) Kind() StepKind { return KindCheckServiceStatus }
func (s CheckServiceStatusStep) Label() string  { return "service " + s.Service }

// CheckPortListeningStep checks whether a TCP or UDP port has a
// listening socket.
type CheckPortListeningStep struct {
	Port          int
	Protocol      string // "tcp" or "udp"
	ExpectedState bool
}

func (s CheckPortListeningStep) Kind() StepKind { return KindCheckPortListening }
func (s CheckPortListeningStep) Label() string  { return "port " + s.Protocol }

// CheckFileExistsStep checks for the presence (or deliberate absence)
// of a path, optionally constrained to a file type.
type CheckFileExistsStep struct {
	Path          string
	ExpectedState bool
	FileType      string // "any", "file", or "directory"
}

func (s CheckFileExistsStep) Kind() StepKind { return KindCheckFileExists }
func (s CheckFileExistsStep) Label() string  { return "file " + s.Path }

// CheckFileContainsStep checks that a file's contents contain (or lack)
// a literal string or a regular expression match. Exactly one of Text
// or MatchesRegex is set.
type CheckFileContainsStep struct {
	Path          string
	ExpectedState bool
	Text          string
	MatchesRegex  string
}

func (s CheckFileContainsStep) Kind() StepKind { return KindCheckFileContains }
func (s CheckFileContainsStep) Label() string  { return "contents of " + s.Path }
