// Command twofa-admin inspects and resolves lockdowns, emergency recovery
// requests and coordinated attacks against a running deployment's stores.
package main

import (
	"context"
	"io"
	"os"

	"github.com/MrEthical07/twofa/internal/bootstrap"
	"github.com/MrEthical07/twofa/internal/logging"
	"github.com/MrEthical07/twofa/internal/settings"
	"github.com/gookit/color"
	"go.uber.org/zap"
)

func main() {
	a := &app{out: os.Stdout, open: openRuntime}
	if err := newRootCmd(a).Execute(); err != nil {
		color.Red.Println(err.Error())
		os.Exit(1)
	}
}

type app struct {
	envFile string
	out     io.Writer
	open    func(ctx context.Context, envFile string) (*bootstrap.Runtime, error)
}

func openRuntime(ctx context.Context, envFile string) (*bootstrap.Runtime, error) {
	proc, err := settings.Load(envFile)
	if err != nil {
		return nil, err
	}
	if proc.RedisAddr == "" {
		color.Yellow.Println("warning: redis_addr is empty, the embedded store starts empty")
	}
	// Commands print their own output; only warnings reach the log.
	proc.Log.Level = "warn"
	logger, _, err := logging.New(proc.Log)
	if err != nil {
		logger = zap.NewNop()
	}
	return bootstrap.Open(ctx, proc, logger)
}

// withRuntime opens the runtime for one command and closes it afterwards.
func (a *app) withRuntime(ctx context.Context, fn func(*bootstrap.Runtime) error) error {
	rt, err := a.open(ctx, a.envFile)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}
