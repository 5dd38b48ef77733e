package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	readinessTimeout      = 120 * time.Second
	readinessPollInterval = 5 * time.Second
)

// DefaultWaitForReady polls the guest over SSH with `echo ready` until
// it answers or readinessTimeout elapses, matching the boot-readiness
// probe the practice environment has always used.
func DefaultWaitForReady(ctx context.Context, ip string, dialer Dialer) error {
	deadline := time.Now().Add(readinessTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := dialer.Dial(ctx, ip)
		if err == nil {
			out, runErr := client.Run(ctx, "echo ready")
			client.Close()
			if runErr == nil && strings.Contains(out.Stdout, "ready") {
				return nil
			}
			lastErr = runErr
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
	return fmt.Errorf("guest at %s did not become ready within %s: %w", ip, readinessTimeout, orNil(lastErr))
}

func orNil(err error) error {
	if err == nil {
		return fmt.Errorf("no successful probe")
	}
	return err
}
