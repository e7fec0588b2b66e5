// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"io"

	"github.com/urfave/cli"

	"github.com/kata-containers/netplug/netplug/config"
	"github.com/kata-containers/netplug/pkg/nettrace"
	"github.com/kata-containers/netplug/pkg/rootless"
)

var versionCLICommand = cli.Command{
	Name:  "version",
	Usage: "display version details and the firewall settings in use",
	Action: func(context *cli.Context) error {
		ctx, err := cliContextToContext(context)
		if err != nil {
			return err
		}

		span, _ := nettrace.Trace(ctx, "version")
		defer span.Finish()

		cfg, err := configFromContext(context)
		if err != nil {
			return err
		}

		printVersion(context.App.Writer, cfg)
		return nil
	},
}

// printVersion writes the build details, then the firewall backend and
// lock file the other commands would use.
func printVersion(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "%s  : %s\n", name, version)
	fmt.Fprintf(w, "   commit   : %s\n", commit)
	fmt.Fprintf(w, "   firewall : %s\n", cfg.Firewall.Driver)
	fmt.Fprintf(w, "   lock     : %s\n", cfg.Firewall.LockPath)
	fmt.Fprintf(w, "   rootless : %t\n", rootless.IsRootless())
}
