package challenge

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	responses map[string]Output
	err       error
}

func (f fakeRunner) Run(_ context.Context, command string) (Output, error) {
	if f.err != nil {
		return Output{}, f.err
	}
	out, ok := f.responses[command]
	if !ok {
		return Output{ExitCode: 1}, nil
	}
	return out, nil
}

func TestCheckRunCommandSuccess(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		"echo hi": {Stdout: "hi\n", ExitCode: 0},
	}}
	step := RunCommandStep{Command: "echo hi", StdoutContains: "hi"}

	ok, reason, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCheckRunCommandWrongExitCode(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		"false": {ExitCode: 1},
	}}
	step := RunCommandStep{Command: "false"}

	ok, reason, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "exit status")
}

func TestCheckRunCommandStdoutMatchesRegex(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		"hostname": {Stdout: "practice-vm\n", ExitCode: 0},
	}}
	step := RunCommandStep{Command: "hostname", StdoutMatchesRegex: regexp.MustCompile("(?m)^practice")}

	ok, _, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckRunCommandStderrEmpty(t *testing.T) {
	empty := true
	runner := fakeRunner{responses: map[string]Output{
		"ls /tmp": {Stdout: "", Stderr: "no such file\n", ExitCode: 0},
	}}
	step := RunCommandStep{Command: "ls /tmp", StderrEmpty: &empty}

	ok, reason, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "stderr")
}

func TestCheckServiceStatusActive(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		"systemctl is-active sshd": {Stdout: "active\n", ExitCode: 0},
	}}
	step := CheckServiceStatusStep{Service: "sshd", ExpectedStatus: "active"}

	ok, _, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckServiceStatusInactiveExitCode(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		"systemctl is-active sshd": {Stdout: "inactive\n", ExitCode: 3},
	}}
	step := CheckServiceStatusStep{Service: "sshd", ExpectedStatus: "active"}

	ok, reason, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "expected active")
}

func TestCheckServiceStatusExpectedFailed(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		"systemctl is-active crashy": {Stdout: "failed\n", ExitCode: 4},
	}}
	step := CheckServiceStatusStep{Service: "crashy", ExpectedStatus: "failed"}

	ok, _, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckServiceStatusCheckEnabledFails(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		"systemctl is-active sshd":   {Stdout: "active\n", ExitCode: 0},
		"systemctl is-enabled sshd": {Stdout: "disabled\n", ExitCode: 1},
	}}
	step := CheckServiceStatusStep{Service: "sshd", ExpectedStatus: "active", CheckEnabled: true}

	ok, reason, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "enabled")
}

func TestCheckPortListeningExpectedClosed(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		"ss -n -lt | awk '{print $4}' | grep -E '[:.]23$'": {ExitCode: 1},
	}}
	step := CheckPortListeningStep{Port: 23, Protocol: "tcp", ExpectedState: false}

	ok, _, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckPortListeningExpectedClosedButOpen(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		"ss -n -lt | awk '{print $4}' | grep -E '[:.]23$'": {Stdout: "0.0.0.0:23\n", ExitCode: 0},
	}}
	step := CheckPortListeningStep{Port: 23, Protocol: "tcp", ExpectedState: false}

	ok, reason, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "unexpectedly listening")
}

func TestCheckFileExists(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		`test -e "/srv/flag"`: {ExitCode: 0},
	}}
	step := CheckFileExistsStep{Path: "/srv/flag", ExpectedState: true, FileType: "any"}

	ok, _, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckFileExistsDirectoryType(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		`test -d "/srv/flag"`: {ExitCode: 0},
	}}
	step := CheckFileExistsStep{Path: "/srv/flag", ExpectedState: true, FileType: "directory"}

	ok, _, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckFileContainsNegated(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		`test -r "/etc/motd"`:          {ExitCode: 0},
		`grep -qF "secret" "/etc/motd"`: {ExitCode: 1},
	}}
	step := CheckFileContainsStep{Path: "/etc/motd", Text: "secret", ExpectedState: false}

	ok, _, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckFileContainsUnreadableFailsWhenExpectedTrue(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		`test -r "/etc/motd"`: {ExitCode: 1},
	}}
	step := CheckFileContainsStep{Path: "/etc/motd", Text: "Welcome", ExpectedState: true}

	ok, reason, err := Check(context.Background(), runner, step)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "file not found or not readable")
}

func TestCheckFileContainsGrepErrorIsNotAMiss(t *testing.T) {
	runner := fakeRunner{responses: map[string]Output{
		`test -r "/etc/motd"`:           {ExitCode: 0},
		`grep -qF "secret" "/etc/motd"`: {ExitCode: 2},
	}}
	step := CheckFileContainsStep{Path: "/etc/motd", Text: "secret", ExpectedState: true}

	_, _, err := Check(context.Background(), runner, step)
	assert.Error(t, err)
}

func TestCheckPropagatesTransportError(t *testing.T) {
	runner := fakeRunner{err: assert.AnError}
	step := CheckFileExistsStep{Path: "/tmp/x", ExpectedState: true}

	_, _, err := Check(context.Background(), runner, step)
	assert.Error(t, err)
}
