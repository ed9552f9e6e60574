// qqgate - QQ official bot and OneBot bridge gateway
// License: MIT
//
// Copyright (c) 2026 qqgate contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/qqgate/cmd/qqgate/internal"
	"github.com/tinyland-inc/qqgate/cmd/qqgate/internal/console"
	"github.com/tinyland-inc/qqgate/cmd/qqgate/internal/gateway"
	"github.com/tinyland-inc/qqgate/cmd/qqgate/internal/sign"
	"github.com/tinyland-inc/qqgate/cmd/qqgate/internal/version"
)

func NewQqgateCommand() *cobra.Command {
	short := fmt.Sprintf("%s qqgate - QQ bot gateway v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "qqgate",
		Short:   short,
		Example: "qqgate gateway --debug",
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", "", "Config file (default ~/.qqgate/config.json)")

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		console.NewConsoleCommand(),
		sign.NewSignCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewQqgateCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
