package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lpem/lpem/internal/challenge"
)

type fakeDomain struct {
	name           string
	ip             string
	shutdownCalled bool
	revertCalled   bool
	deleteCalled   bool
	snapshotErr    error
	revertErr      error
}

func (d *fakeDomain) Name() string                     { return d.name }
func (d *fakeDomain) Start() error                      { return nil }
func (d *fakeDomain) Shutdown(force bool) error         { d.shutdownCalled = true; return nil }
func (d *fakeDomain) CreateSnapshot(name string) error  { return d.snapshotErr }
func (d *fakeDomain) RevertSnapshot(name string) error  { d.revertCalled = true; return d.revertErr }
func (d *fakeDomain) DeleteSnapshot(name string) error  { d.deleteCalled = true; return nil }
func (d *fakeDomain) ResolveIP() (string, error)        { return d.ip, nil }

type fakeGateway struct {
	domain *fakeDomain
}

func (g *fakeGateway) LookupDomain(name string) (Domain, error) { return g.domain, nil }

type fakeSSHClient struct {
	responses map[string]challenge.Output
	closed    bool
}

func (c *fakeSSHClient) Run(_ context.Context, command string) (challenge.Output, error) {
	out, ok := c.responses[command]
	if !ok {
		return challenge.Output{ExitCode: 1}, nil
	}
	return out, nil
}
func (c *fakeSSHClient) Close() error { c.closed = true; return nil }

type fakeDialer struct {
	client *fakeSSHClient
	err    error
}

func (d *fakeDialer) Dial(_ context.Context, ip string) (SSHClient, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

func passingChallenge() *challenge.Challenge {
	return &challenge.Challenge{
		Name:      "sample",
		BaseScore: 100,
		Flag:      "lpem{sample}",
		Validate: []challenge.Step{
			challenge.CheckFileExistsStep{Path: "/srv/flag", ExpectedState: true, FileType: "any"},
		},
	}
}

func TestSessionRunSuccess(t *testing.T) {
	dom := &fakeDomain{name: "vm1", ip: "192.0.2.5"}
	client := &fakeSSHClient{responses: map[string]challenge.Output{
		`test -e "/srv/flag"`: {ExitCode: 0},
	}}

	sess := &Session{
		Gateway: &fakeGateway{domain: dom},
		Dialer:  &fakeDialer{client: client},
	}

	rec, err := sess.Run(context.Background(), "vm1", passingChallenge(), nil)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, 100, rec.Score)
	assert.Equal(t, "lpem{sample}", rec.Flag)
	require.Len(t, rec.Steps, 1)
	assert.True(t, rec.Steps[0].Passed)
	assert.True(t, dom.revertCalled)
	assert.True(t, dom.deleteCalled)
	assert.True(t, dom.shutdownCalled)
	assert.True(t, client.closed)
}

func TestSessionRunValidationFailureAlwaysCleansUp(t *testing.T) {
	dom := &fakeDomain{name: "vm1", ip: "192.0.2.5"}
	client := &fakeSSHClient{responses: map[string]challenge.Output{
		`test -e "/srv/flag"`: {ExitCode: 1},
	}}

	sess := &Session{
		Gateway: &fakeGateway{domain: dom},
		Dialer:  &fakeDialer{client: client},
	}

	rec, err := sess.Run(context.Background(), "vm1", passingChallenge(), nil)
	require.Error(t, err)
	assert.False(t, rec.Success)
	assert.Equal(t, 0, rec.Score)
	assert.Empty(t, rec.Flag)
	assert.NotEmpty(t, rec.Reasons)
	require.Len(t, rec.Steps, 1)
	assert.False(t, rec.Steps[0].Passed)
	assert.True(t, dom.revertCalled)
	assert.True(t, dom.deleteCalled)
}

func TestSessionRunValidationStopsAtFirstFailure(t *testing.T) {
	dom := &fakeDomain{name: "vm1", ip: "192.0.2.5"}
	client := &fakeSSHClient{responses: map[string]challenge.Output{
		`test -e "/srv/first"`: {ExitCode: 1},
	}}

	ch := &challenge.Challenge{
		Name:      "two-step",
		BaseScore: 100,
		Validate: []challenge.Step{
			challenge.CheckFileExistsStep{Path: "/srv/first", ExpectedState: true, FileType: "any"},
			challenge.CheckFileExistsStep{Path: "/srv/second", ExpectedState: true, FileType: "any"},
		},
	}

	sess := &Session{
		Gateway: &fakeGateway{domain: dom},
		Dialer:  &fakeDialer{client: client},
	}

	rec, err := sess.Run(context.Background(), "vm1", ch, nil)
	require.Error(t, err)
	assert.False(t, rec.Success)
	require.Len(t, rec.Steps, 1, "the second step must have no per-step record once the first fails")
	assert.False(t, rec.Steps[0].Passed)
}

func TestSessionRunAbortsOnSetupFailure(t *testing.T) {
	dom := &fakeDomain{name: "vm1", ip: "192.0.2.5"}
	client := &fakeSSHClient{responses: map[string]challenge.Output{
		"false": {ExitCode: 1},
	}}

	ch := &challenge.Challenge{
		Name:      "bad-setup",
		BaseScore: 100,
		Setup: []challenge.Step{
			challenge.RunCommandStep{Command: "false"},
		},
		Validate: []challenge.Step{
			challenge.CheckFileExistsStep{Path: "/srv/flag", ExpectedState: true, FileType: "any"},
		},
	}

	sess := &Session{
		Gateway: &fakeGateway{domain: dom},
		Dialer:  &fakeDialer{client: client},
	}

	rec, err := sess.Run(context.Background(), "vm1", ch, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup failed")
	assert.False(t, rec.Success)
	assert.Empty(t, rec.Steps, "no validation steps should have been attempted")
	assert.True(t, dom.revertCalled)
	assert.True(t, dom.deleteCalled)
}

func TestSessionRunSkipsCleanupOnSnapshotFailure(t *testing.T) {
	dom := &fakeDomain{name: "vm1", ip: "192.0.2.5", snapshotErr: fmt.Errorf("disk full")}

	sess := &Session{
		Gateway: &fakeGateway{domain: dom},
		Dialer:  &fakeDialer{client: &fakeSSHClient{}},
	}

	rec, err := sess.Run(context.Background(), "vm1", passingChallenge(), nil)
	require.Error(t, err)
	assert.False(t, rec.Success)
	assert.False(t, dom.revertCalled, "revert should not run when the snapshot was never created")
}

func TestSessionRunRecordsCleanupIssueWithoutMaskingResult(t *testing.T) {
	dom := &fakeDomain{name: "vm1", ip: "192.0.2.5", revertErr: fmt.Errorf("revert timed out")}
	client := &fakeSSHClient{responses: map[string]challenge.Output{
		`test -e "/srv/flag"`: {ExitCode: 0},
	}}

	sess := &Session{
		Gateway: &fakeGateway{domain: dom},
		Dialer:  &fakeDialer{client: client},
	}

	rec, err := sess.Run(context.Background(), "vm1", passingChallenge(), nil)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	require.Len(t, rec.CleanupIssues, 1)
	assert.Contains(t, rec.CleanupIssues[0], "revert snapshot")
}

func TestDeductHintsFlooredAtZero(t *testing.T) {
	rec := &Record{Success: true, Score: 100}
	DeductHints(rec, []challenge.Hint{{Text: "h1", Cost: 60}, {Text: "h2", Cost: 60}})
	assert.Equal(t, 0, rec.Score)
	assert.Equal(t, []string{"h1", "h2"}, rec.HintsUsed)
}

func TestDeductHintsNoOpWhenFailed(t *testing.T) {
	rec := &Record{Success: false, Score: 0}
	DeductHints(rec, []challenge.Hint{{Text: "h1", Cost: 10}})
	assert.Equal(t, 0, rec.Score)
	assert.Empty(t, rec.HintsUsed)
}
