// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/kata-containers/netplug/netplug"
	"github.com/kata-containers/netplug/netplug/config"
	"github.com/kata-containers/netplug/netplug/types"
	"github.com/kata-containers/netplug/pkg/nettrace"
	"github.com/kata-containers/netplug/pkg/rootless"
)

const (
	name = "kata-netplug"

	exitFailure = 1
	exitUsage   = 2
)

// set at build time
var (
	version = "0.1.0"
	commit  = "unknown"
)

var kataLog = logrus.WithFields(logrus.Fields{
	"name":   name,
	"source": "cli",
	"pid":    os.Getpid(),
})

// stdout carries the status JSON and nothing else.
var stdout io.Writer = os.Stdout

// exit is replaced in tests.
var exit = os.Exit

type setupExecutor interface {
	Exec(ctx context.Context, nsPath, optionsFile string) (map[string]types.StatusBlock, error)
}

type teardownExecutor interface {
	Exec(ctx context.Context, nsPath, optionsFile string) error
}

var (
	newSetup = func(cfg *config.Config) setupExecutor {
		return netplug.NewSetup(cfg)
	}

	newTeardown = func(cfg *config.Config) teardownExecutor {
		return netplug.NewTeardown(cfg)
	}
)

func newApp() *cli.App {
	app := cli.NewApp()

	app.Name = name
	app.Usage = "attach container network namespaces to bridge networks"
	app.Version = fmt.Sprintf("%s (commit %s)", version, commit)
	app.Metadata = map[string]interface{}{}

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: config.DefaultConfigPath,
			Usage: "path to the configuration file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level, overrides the configuration file",
		},
		cli.BoolFlag{
			Name:  "trace",
			Usage: "report opentracing spans to jaeger",
		},
	}

	app.Commands = []cli.Command{
		setupCLICommand,
		teardownCLICommand,
		versionCLICommand,
	}

	app.Before = beforeSubcommands
	app.After = afterSubcommands

	return app
}

func beforeSubcommands(c *cli.Context) error {
	if err := rootless.Detect(); err != nil {
		kataLog.WithError(err).Debug("Could not detect rootless mode")
	}

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}

	if level := c.GlobalString("log-level"); level != "" {
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	kataLog.Logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano})
	kataLog.Logger.SetOutput(os.Stderr)
	kataLog.Logger.SetLevel(cfg.LogLevel())

	netplug.SetLogger(kataLog)

	nettrace.Enabled = cfg.Trace.Enabled || c.GlobalBool("trace")
	if _, err := nettrace.CreateTracer(name); err != nil {
		return err
	}

	span, ctx := nettrace.Trace(context.Background(), c.Args().First())
	span.SetTag("subsystem", "cli")

	c.App.Metadata["context"] = ctx
	c.App.Metadata["config"] = cfg

	kataLog.WithFields(logrus.Fields{
		"config":   c.GlobalString("config"),
		"firewall": cfg.Firewall.Driver,
		"rootless": rootless.IsRootless(),
	}).Debug("configuration loaded")

	return nil
}

func afterSubcommands(c *cli.Context) error {
	ctx, err := cliContextToContext(c)
	if err != nil {
		return nil
	}

	nettrace.StopTracing(ctx)
	return nil
}

func cliContextToContext(c *cli.Context) (context.Context, error) {
	ctx, ok := c.App.Metadata["context"].(context.Context)
	if !ok {
		return nil, errors.New("invalid or missing context in metadata")
	}
	return ctx, nil
}

func configFromContext(c *cli.Context) (*config.Config, error) {
	cfg, ok := c.App.Metadata["config"].(*config.Config)
	if !ok {
		return nil, errors.New("invalid or missing configuration in metadata")
	}
	return cfg, nil
}

// namespaceArg returns the single network namespace argument of a command.
func namespaceArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.NewExitError(fmt.Sprintf("%s: expected exactly one network namespace path", c.Command.Name), exitUsage)
	}
	return c.Args().First(), nil
}

func fatal(err error) {
	kataLog.WithField("kind", types.KindOf(err)).Error(err)
	exit(exitFailure)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
