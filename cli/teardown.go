// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"github.com/urfave/cli"
)

var teardownCLICommand = cli.Command{
	Name:  "teardown",
	Usage: "detach a network namespace from its networks",
	ArgsUsage: `<netns-path>

   <netns-path> is the path of the network namespace of the container.
   Takes the options file given to setup. Every network is attempted
   even when an earlier one fails.`,
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

		return newTeardown(cfg).Exec(ctx, nsPath, context.String("file"))
	},
}
