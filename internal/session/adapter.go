package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/lpem/lpem/internal/challenge"
	"github.com/lpem/lpem/internal/hypervisor"
	"github.com/lpem/lpem/internal/ipresolve"
	"github.com/lpem/lpem/internal/snapshot"
	"github.com/lpem/lpem/internal/sshexec"
)

// GatewayAdapter wires a real hypervisor.Gateway into the Session's
// HypervisorGateway interface.
type GatewayAdapter struct {
	Gateway  *hypervisor.Gateway
	Resolver ipresolve.Resolver
	Logger   *zap.Logger
}

func (a *GatewayAdapter) LookupDomain(name string) (Domain, error) {
	handle, err := a.Gateway.LookupDomain(name)
	if err != nil {
		return nil, err
	}
	return &domainAdapter{
		handle:   handle,
		snaps:    snapshot.New(handle, a.Logger),
		resolver: a.Resolver,
	}, nil
}

type domainAdapter struct {
	handle   *hypervisor.DomainHandle
	snaps    *snapshot.Controller
	resolver ipresolve.Resolver
}

func (d *domainAdapter) Name() string                { return d.handle.Name() }
func (d *domainAdapter) Start() error                 { return d.handle.Start() }
func (d *domainAdapter) Shutdown(force bool) error    { return d.handle.Shutdown(force) }
func (d *domainAdapter) CreateSnapshot(name string) error {
	_, err := d.snaps.Create(name)
	return err
}
func (d *domainAdapter) RevertSnapshot(name string) error { return d.snaps.Revert(name) }
func (d *domainAdapter) DeleteSnapshot(name string) error { return d.snaps.Delete(name) }
func (d *domainAdapter) ResolveIP() (string, error)       { return d.resolver.ResolveIP(d.handle) }

// SSHDialer wires real sshexec.Client connections into the Session's
// Dialer interface.
type SSHDialer struct {
	Template sshexec.Config
	Logger   *zap.Logger
}

func (d *SSHDialer) Dial(ctx context.Context, ip string) (SSHClient, error) {
	cfg := d.Template
	cfg.Host = ip
	client, err := sshexec.Dial(cfg, d.Logger)
	if err != nil {
		return nil, err
	}
	return &sshClientAdapter{client: client}, nil
}

type sshClientAdapter struct {
	client *sshexec.Client
}

func (a *sshClientAdapter) Run(ctx context.Context, command string) (challenge.Output, error) {
	res, err := a.client.Exec(ctx, command)
	if err != nil {
		return challenge.Output{}, err
	}
	return challenge.Output{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

func (a *sshClientAdapter) Close() error { return a.client.Close() }
