// Command nsmctl inspects and drives the Nitro Secure Module from inside an
// enclave, or an in-memory simulator elsewhere.
//
// Usage:
//
//	nsmctl [--config nsmctl.hcl] [--simulator] <command> [arguments]
//
// Commands print JSON for structured results and hex for byte strings.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/inconshreveable/log15"
	"github.com/urfave/cli/v2"

	"github.com/jeremyhahn/go-nsm/pkg/nsm"
	"github.com/jeremyhahn/go-nsm/pkg/simulator"
)

// environment carries the state shared by every command of one invocation.
type environment struct {
	stdout io.Writer
	stderr io.Writer

	// provider is nil for the platform device.
	provider nsm.Provider
	cfg      nsm.Config
	log      log15.Logger
}

func newApp(env *environment) *cli.App {
	return &cli.App{
		Name:      "nsmctl",
		Usage:     "inspect and drive the Nitro Secure Module",
		Writer:    env.stdout,
		ErrWriter: env.stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to an HCL configuration file",
				EnvVars: []string{"NSMCTL_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "simulator",
				Usage: "use the in-memory simulator instead of /dev/nsm",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error, crit)",
			},
		},
		Before:   env.setup,
		Commands: env.commands(),
	}
}

func (env *environment) setup(c *cli.Context) error {
	fc, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	level := fc.LogLevel
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	lgr, err := newLogger(env.stderr, level)
	if err != nil {
		return err
	}
	env.log = lgr
	env.cfg = fc.nsmConfig(lgr.New("component", "nsm"))

	if env.provider != nil || !(c.Bool("simulator") || fc.Simulator != nil) {
		return nil
	}
	opts, err := fc.Simulator.options()
	if err != nil {
		return err
	}
	sim, err := simulator.New(opts...)
	if err != nil {
		return err
	}
	env.provider = sim
	lgr.Debug("simulator_enabled")
	return nil
}

// withSession opens and initializes a session, runs fn and closes the
// session again.
func (env *environment) withSession(c *cli.Context, fn func(context.Context, *nsm.Session) error) (err error) {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}

	sess, err := nsm.Open(ctx, env.cfg, env.provider)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(ctx); cerr != nil {
			if err != nil {
				err = errors.Join(err, cerr)
			} else {
				err = cerr
			}
		}
	}()

	if err = sess.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, sess)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env := &environment{stdout: os.Stdout, stderr: os.Stderr}
	if err := newApp(env).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "nsmctl: %v\n", err)
		os.Exit(1)
	}
}
