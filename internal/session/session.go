// Package session orchestrates one challenge run end to end: snapshot,
// setup, hand the VM to the user, validate, then always revert and
// clean up regardless of how the run ended.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lpem/lpem/internal/challenge"
	"github.com/lpem/lpem/internal/lpemerr"
)

const snapshotName = "lpem_session"

// HypervisorGateway is the narrow surface Session needs from the
// hypervisor connection. Production code satisfies it with
// GatewayAdapter (see adapter.go); tests substitute an in-memory fake.
type HypervisorGateway interface {
	LookupDomain(name string) (Domain, error)
}

// Domain is the narrow surface Session needs from one VM: lifecycle,
// snapshotting, and IP resolution. Production code satisfies it with
// domainAdapter; tests substitute an in-memory fake.
type Domain interface {
	Name() string
	Start() error
	Shutdown(force bool) error
	CreateSnapshot(name string) error
	RevertSnapshot(name string) error
	DeleteSnapshot(name string) error
	ResolveIP() (string, error)
}

// SSHClient is the narrow surface Session needs to reach into the
// guest. Production code satisfies it with an sshexec.Client adapter;
// tests substitute an in-memory fake.
type SSHClient interface {
	Run(ctx context.Context, command string) (challenge.Output, error)
	Close() error
}

// Dialer opens an SSHClient once a domain's IP is known.
type Dialer interface {
	Dial(ctx context.Context, ip string) (SSHClient, error)
}

// StepRecord is the outcome of one validation step.
type StepRecord struct {
	Label  string
	Passed bool
	Reason string
}

// Record is the outcome of one challenge run.
type Record struct {
	RunID         uuid.UUID
	ChallengeName string
	Success       bool
	Score         int
	Steps         []StepRecord
	Reasons       []string
	HintsUsed     []string
	Flag          string
	CleanupIssues []string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Session runs a single challenge against a single domain.
type Session struct {
	Gateway HypervisorGateway
	Dialer  Dialer
	Logger  *zap.Logger

	// WaitForReady is polled after Start and before setup; it should
	// block until the guest answers over SSH. Exposed as a field so
	// tests can stub it out.
	WaitForReady func(ctx context.Context, ip string, dial Dialer) error
}

// Run executes ch against domainName: snapshot, setup, hand control to
// the caller-provided userAction, validate, then always revert and
// delete the snapshot. The snapshot-revert-delete sequence runs even if
// setup, userAction, or validation returns an error or panics.
func (s *Session) Run(ctx context.Context, domainName string, ch *challenge.Challenge, userAction func(ip string) error) (rec *Record, runErr error) {
	rec = &Record{RunID: uuid.New(), ChallengeName: ch.Name, StartedAt: time.Now()}
	defer func() { rec.FinishedAt = time.Now() }()

	dom, err := s.Gateway.LookupDomain(domainName)
	if err != nil {
		return rec, err
	}

	// Snapshot-create strictly happens-before any start for this
	// session, so the cleanup finalizer below is only registered once
	// there is something to revert and delete.
	if err := dom.CreateSnapshot(snapshotName); err != nil {
		return rec, err
	}

	defer func() {
		if p := recover(); p != nil {
			runErr = lpemerr.New("session.Run", lpemerr.Internal, fmt.Errorf("panic during session: %v", p))
		}
		if err := dom.RevertSnapshot(snapshotName); err != nil {
			rec.CleanupIssues = append(rec.CleanupIssues, fmt.Sprintf("revert snapshot: %v", err))
		}
		if err := dom.DeleteSnapshot(snapshotName); err != nil {
			rec.CleanupIssues = append(rec.CleanupIssues, fmt.Sprintf("delete snapshot: %v", err))
		}
		if err := dom.Shutdown(false); err != nil {
			rec.CleanupIssues = append(rec.CleanupIssues, fmt.Sprintf("shutdown domain: %v", err))
		}
	}()

	if err := dom.Start(); err != nil {
		return rec, err
	}

	ip, err := dom.ResolveIP()
	if err != nil {
		return rec, err
	}

	if s.WaitForReady != nil {
		if err := s.WaitForReady(ctx, ip, s.Dialer); err != nil {
			return rec, err
		}
	}

	setupClient, err := s.Dialer.Dial(ctx, ip)
	if err != nil {
		return rec, lpemerr.New("session.Run", lpemerr.SSHTransport, err)
	}
	runner := clientRunner{client: setupClient}

	for _, step := range ch.Setup {
		cmd, ok := step.(challenge.RunCommandStep)
		if !ok {
			setupClient.Close()
			return rec, lpemerr.New("session.Run", lpemerr.Internal, fmt.Errorf("unsupported setup step kind %q", step.Kind()))
		}
		out, err := runner.Run(ctx, cmd.Command)
		if err != nil {
			setupClient.Close()
			return rec, lpemerr.New("session.Run", lpemerr.SSHCommand, fmt.Errorf("setup failed: %w", err))
		}
		if out.ExitCode != 0 {
			setupClient.Close()
			return rec, lpemerr.New("session.Run", lpemerr.SSHCommand,
				fmt.Errorf("setup failed: %q exited %d", cmd.Command, out.ExitCode))
		}
	}
	setupClient.Close()

	if userAction != nil {
		if err := userAction(ip); err != nil {
			return rec, err
		}
	}

	validateClient, err := s.Dialer.Dial(ctx, ip)
	if err != nil {
		return rec, lpemerr.New("session.Run", lpemerr.SSHTransport, err)
	}
	defer validateClient.Close()
	validateRunner := clientRunner{client: validateClient}

	var reasons []string
	for _, step := range ch.Validate {
		ok, reason, err := challenge.Check(ctx, validateRunner, step)
		if err != nil {
			reason = fmt.Sprintf("%s: %v", step.Label(), err)
			ok = false
		}
		rec.Steps = append(rec.Steps, StepRecord{Label: step.Label(), Passed: ok, Reason: reason})
		if !ok {
			reasons = append(reasons, reason)
			// First-failure-stop: steps after a failure are not run
			// and get no per-step record.
			break
		}
	}

	rec.Reasons = reasons
	rec.Success = len(reasons) == 0
	if rec.Success {
		rec.Score = ch.BaseScore
		rec.Flag = ch.Flag
	}
	if !rec.Success {
		return rec, lpemerr.NewValidation("session.Run", reasons)
	}
	return rec, nil
}

// DeductHints subtracts the cost of every used hint from rec.Score,
// floored at zero, and records their text. Scoring only applies to
// successful runs: a failed challenge always scores zero.
func DeductHints(rec *Record, used []challenge.Hint) {
	if !rec.Success {
		return
	}
	total := 0
	for _, h := range used {
		total += h.Cost
		rec.HintsUsed = append(rec.HintsUsed, h.Text)
	}
	rec.Score -= total
	if rec.Score < 0 {
		rec.Score = 0
	}
}

type clientRunner struct {
	client SSHClient
}

func (r clientRunner) Run(ctx context.Context, cmd string) (challenge.Output, error) {
	return r.client.Run(ctx, cmd)
}
