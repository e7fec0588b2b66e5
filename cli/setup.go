// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"github.com/urfave/cli"

	"github.com/kata-containers/netplug/netplug"
)

var fileFlag = cli.StringFlag{
	Name:  "file, f",
	Value: "-",
	Usage: "network options file, - reads from stdin",
}

var setupCLICommand = cli.Command{
	Name:  "setup",
	Usage: "attach a network namespace to its networks",
	ArgsUsage: `<netns-path>

   <netns-path> is the path of the network namespace of the container.
   The networks, their definitions and the published ports are read
   from the options file. On success the configured interfaces of every
   network are printed on stdout as a JSON object.

EXAMPLE:
       # ` + name + ` setup --file opts.json /run/netns/ctr1`,
	Flags: []cli.Flag{
		fileFlag,
	},
	Action: func(context *cli.Context) error {
		ctx, err := cliContextToContext(context)
		if err != nil {
			return err
		}

		cfg, err := configFromContext(context)
		if err != nil {
			return err
		}

		nsPath, err := namespaceArg(context)
		if err != nil {
			return err
		}

		response, err := newSetup(cfg).Exec(ctx, nsPath, context.String("file"))
		if err != nil {
			return err
		}

		return netplug.Emit(stdout, response)
	},
}
