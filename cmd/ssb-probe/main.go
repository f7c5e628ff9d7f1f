// ssb-probe exercises a streaming-SQL gateway through the resilient client and prints the
// classified outcome of each call.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	gatewaybridge "github.com/opengovern/gateway-bridge"
	"github.com/opengovern/gateway-bridge/internal/config"
)

// Injected at build time via ldflags.
var version = "dev"

const (
	ExitOK        = 0
	ExitGeneral   = 1
	ExitUsage     = 2
	ExitAuth      = 3
	ExitNotFound  = 4
	ExitRetryable = 5
	ExitFatal     = 6
	ExitInterrupt = 130
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an outcome error to a process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitInterrupt
	case errors.Is(err, errUsage):
		return ExitUsage
	case errors.Is(err, gatewaybridge.ErrAuthFailure),
		errors.Is(err, gatewaybridge.ErrCredentialExpired),
		errors.Is(err, gatewaybridge.ErrCorruptCredential):
		return ExitAuth
	case errors.Is(err, gatewaybridge.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, gatewaybridge.ErrRateLimited), errors.Is(err, gatewaybridge.ErrTransient):
		return ExitRetryable
	case errors.Is(err, gatewaybridge.ErrFatal):
		return ExitFatal
	default:
		return ExitGeneral
	}
}
