package challenge

import (
	"context"
	"fmt"
	"strings"
)

// Output is the outcome of running one command inside the guest, kept
// independent of the transport package so steps can be exercised
// against an in-memory fake in tests.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes a single command inside the target guest.
type CommandRunner interface {
	Run(ctx context.Context, command string) (Output, error)
}

// Check runs step against runner and reports whether it passed. A
// non-nil error means the check itself could not be performed (a
// transport failure), as distinct from a performed check that failed
// (ok == false, reason explains why).
func Check(ctx context.Context, runner CommandRunner, step Step) (ok bool, reason string, err error) {
	switch s := step.(type) {
	case RunCommandStep:
		return checkRunCommand(ctx, runner, s)
	case CheckServiceStatusStep:
		return checkServiceStatus(ctx, runner, s)
	case CheckPortListeningStep:
		return checkPortListening(ctx, runner, s)
	case CheckFileExistsStep:
		return checkFileExists(ctx, runner, s)
	case CheckFileContainsStep:
		return checkFileContains(ctx, runner, s)
	default:
		return false, "", fmt.Errorf("unhandled step kind %T", step)
	}
}

func checkRunCommand(ctx context.Context, runner CommandRunner, s RunCommandStep) (bool, string, error) {
	out, err := runner.Run(ctx, s.Command)
	if err != nil {
		return false, "", err
	}
	if out.ExitCode != s.ExitStatus {
		return false, fmt.Sprintf("%s: exit status %d, expected %d", s.Label(), out.ExitCode, s.ExitStatus), nil
	}
	if s.StdoutEquals != "" && strings.TrimRight(out.Stdout, "\n") != s.StdoutEquals {
		return false, fmt.Sprintf("%s: stdout did not equal %q", s.Label(), s.StdoutEquals), nil
	}
	if s.StdoutContains != "" && !strings.Contains(out.Stdout, s.StdoutContains) {
		return false, fmt.Sprintf("%s: stdout did not contain expected text %q", s.Label(), s.StdoutContains), nil
	}
	if s.StdoutMatchesRegex != nil && !s.StdoutMatchesRegex.MatchString(out.Stdout) {
		return false, fmt.Sprintf("%s: stdout did not match %s", s.Label(), s.StdoutMatchesRegex.String()), nil
	}
	if s.StderrEmpty != nil {
		empty := strings.TrimSpace(out.Stderr) == ""
		if empty != *s.StderrEmpty {
			return false, fmt.Sprintf("%s: stderr emptiness was %v, expected %v", s.Label(), empty, *s.StderrEmpty), nil
		}
	}
	if s.StderrContains != "" && !strings.Contains(out.Stderr, s.StderrContains) {
		return false, fmt.Sprintf("%s: stderr did not contain expected text %q", s.Label(), s.StderrContains), nil
	}
	return true, "", nil
}

// systemctl is-active exit codes: 0 active, 3 inactive/dead, anything
// else (4 = unit not found, etc.) counts as failed.
func checkServiceStatus(ctx context.Context, runner CommandRunner, s CheckServiceStatusStep) (bool, string, error) {
	out, err := runner.Run(ctx, "systemctl is-active "+s.Service)
	if err != nil {
		return false, "", err
	}

	var actual string
	switch out.ExitCode {
	case 0:
		actual = "active"
	case 3:
		actual = "inactive"
	default:
		actual = "failed"
	}

	if actual != s.ExpectedStatus {
		return false, fmt.Sprintf("%s: expected %s, state is %s", s.Label(), s.ExpectedStatus, actual), nil
	}

	if s.CheckEnabled {
		enabledOut, err := runner.Run(ctx, "systemctl is-enabled "+s.Service)
		if err != nil {
			return false, "", err
		}
		if enabledOut.ExitCode != 0 {
			return false, fmt.Sprintf("%s: expected enabled, is-enabled exited %d", s.Label(), enabledOut.ExitCode), nil
		}
	}

	return true, "", nil
}

func checkPortListening(ctx context.Context, runner CommandRunner, s CheckPortListeningStep) (bool, string, error) {
	flag := "-lt"
	if s.Protocol == "udp" {
		flag = "-lu"
	}
	cmd := fmt.Sprintf("ss -n %s | awk '{print $4}' | grep -E '[:.]%d$'", flag, s.Port)
	out, err := runner.Run(ctx, cmd)
	if err != nil {
		return false, "", err
	}
	listening := out.ExitCode == 0 && strings.TrimSpace(out.Stdout) != ""
	if listening == s.ExpectedState {
		return true, "", nil
	}
	if s.ExpectedState {
		return false, fmt.Sprintf("%s: no listener found on port %d", s.Label(), s.Port), nil
	}
	return false, fmt.Sprintf("%s: unexpectedly listening on port %d", s.Label(), s.Port), nil
}

func testFlagFor(fileType string) string {
	switch fileType {
	case "file":
		return "-f"
	case "directory":
		return "-d"
	default:
		return "-e"
	}
}

func checkFileExists(ctx context.Context, runner CommandRunner, s CheckFileExistsStep) (bool, string, error) {
	out, err := runner.Run(ctx, fmt.Sprintf("test %s %q", testFlagFor(s.FileType), s.Path))
	if err != nil {
		return false, "", err
	}
	exists := out.ExitCode == 0
	if exists == s.ExpectedState {
		return true, "", nil
	}
	if s.ExpectedState {
		return false, fmt.Sprintf("%s: expected to exist", s.Label()), nil
	}
	return false, fmt.Sprintf("%s: expected not to exist", s.Label()), nil
}

func checkFileContains(ctx context.Context, runner CommandRunner, s CheckFileContainsStep) (bool, string, error) {
	readable, err := runner.Run(ctx, fmt.Sprintf("test -r %q", s.Path))
	if err != nil {
		return false, "", err
	}
	if readable.ExitCode != 0 {
		if !s.ExpectedState {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s: file not found or not readable", s.Label()), nil
	}

	var grepCmd string
	if s.MatchesRegex != "" {
		grepCmd = fmt.Sprintf("grep -qE %q %q", s.MatchesRegex, s.Path)
	} else {
		grepCmd = fmt.Sprintf("grep -qF %q %q", s.Text, s.Path)
	}
	out, err := runner.Run(ctx, grepCmd)
	if err != nil {
		return false, "", err
	}
	if out.ExitCode > 1 {
		return false, "", fmt.Errorf("%s: grep exited %d", s.Label(), out.ExitCode)
	}
	found := out.ExitCode == 0
	if found == s.ExpectedState {
		return true, "", nil
	}
	if s.ExpectedState {
		return false, fmt.Sprintf("%s: does not contain expected content", s.Label()), nil
	}
	return false, fmt.Sprintf("%s: unexpectedly contains matched content", s.Label()), nil
}
