// Command lpem runs one practice challenge against a libvirt domain:
// snapshot, set up, wait for the user to finish, validate, revert.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lpem/lpem/internal/challenge"
	"github.com/lpem/lpem/internal/config"
	"github.com/lpem/lpem/internal/hypervisor"
	"github.com/lpem/lpem/internal/ipresolve"
	"github.com/lpem/lpem/internal/lpemerr"
	"github.com/lpem/lpem/internal/session"
	"github.com/lpem/lpem/internal/sshexec"
)

const (
	exitOK         = 0
	exitOperation  = 1
	exitInternal   = 2
	exitInterrupt  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	domainName := flag.String("domain", "", "libvirt domain name to run the challenge against")
	challengePath := flag.String("challenge", "", "path to the challenge descriptor YAML")
	flag.Parse()

	logger, _ := zap.NewProduction()
	if os.Getenv("LPEM_ENV") == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if *domainName == "" || *challengePath == "" {
		sugar.Error("both -domain and -challenge are required")
		return exitOperation
	}

	cfg, err := config.Load()
	if err != nil {
		sugar.Errorf("failed to load configuration: %v", err)
		return exitInternal
	}

	ch, err := challenge.Load(*challengePath)
	if err != nil {
		sugar.Errorf("failed to load challenge: %v", err)
		return exitOperation
	}

	gateway, err := hypervisor.Open(cfg.Libvirt.URI, logger)
	if err != nil {
		sugar.Errorf("failed to connect to libvirt: %v", err)
		return exitOperation
	}
	defer gateway.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := false
	go func() {
		<-sigCh
		interrupted = true
		cancel()
	}()

	sess := &session.Session{
		Gateway: &session.GatewayAdapter{
			Gateway:  gateway,
			Resolver: ipresolve.NewChain(logger),
			Logger:   logger,
		},
		Dialer: &session.SSHDialer{
			Template: sshexec.Config{
				User:           cfg.SSH.User,
				Port:           cfg.SSH.Port,
				PrivateKeyPath: cfg.SSH.KeyPath,
				CommandTimeout: cfg.SSH.CommandTimeout,
			},
			Logger: logger,
		},
		Logger:       logger,
		WaitForReady: session.DefaultWaitForReady,
	}

	rec, runErr := sess.Run(ctx, *domainName, ch, func(ip string) error {
		sugar.Infof("challenge %q is ready at %s; work, then press Enter to validate", ch.Name, ip)
		fmt.Fprintln(os.Stderr, "press Enter once you are done...")
		fmt.Scanln()
		return nil
	})

	if interrupted {
		sugar.Warn("interrupted by user")
		return exitInterrupt
	}

	out, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(out))

	if runErr == nil {
		return exitOK
	}
	if kind, ok := lpemerr.KindOf(runErr); ok && kind == lpemerr.ChallengeValidation {
		return exitOK
	}
	sugar.Errorf("session failed: %v", runErr)
	return exitOperation
}
