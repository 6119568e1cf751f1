package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/devicefarm/server/config"
	"github.com/fleetdm/devicefarm/server/datastore/mysql"
	"github.com/spf13/cobra"
)

func createPrepareCmd(configManager config.Manager) *cobra.Command {
	prepareCmd := &cobra.Command{
		Use:   "prepare",
		Short: "Subcommands for initializing device farm infrastructure",
		Long: `
Subcommands for initializing device farm infrastructure

To setup device farm infrastructure, use one of the available commands.
`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}

	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Given correct database configurations, prepare the databases for use",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configManager.LoadConfig()
			if cfg.Mysql.Address == "" {
				initFatal(errors.New("mysql.address is not set"), "preparing database")
			}

			ds, err := mysql.New(cfg.Mysql, clock.C)
			if err != nil {
				initFatal(err, "creating db connection")
			}
			defer ds.Close()

			if err := ds.MigrateTables(context.Background()); err != nil {
				initFatal(err, "migrating db schema")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed.")
		},
	}

	prepareCmd.AddCommand(dbCmd)
	return prepareCmd
}
