package main

import (
	"fmt"
	"os"

	"github.com/fleetdm/devicefarm/server/config"
	"github.com/fleetdm/devicefarm/server/version"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := createRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func createRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devicefarm",
		Short: "mobile device farm fleet manager and test scheduler",
		Long: `
mobile device farm fleet manager and test scheduler

Configurable Options:

Options may be supplied in a yaml configuration file, via environment
variables prefixed with DEVICEFARM_ or as command line flags. You only need to
define the configuration values for which you wish to override the default
value. Use "devicefarm config_dump" to print the merged configuration.
`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a configuration file")

	// the config manager attaches its flags to the root command, so it must
	// be created before the subcommands.
	configManager := config.NewManager(rootCmd)

	rootCmd.AddCommand(createServeCmd(configManager))
	rootCmd.AddCommand(createPrepareCmd(configManager))
	rootCmd.AddCommand(createConfigDumpCmd(configManager))
	rootCmd.AddCommand(createVersionCmd())

	return rootCmd
}

func createVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the device farm version",
		Run: func(cmd *cobra.Command, args []string) {
			version.PrintFull(cmd.OutOrStdout(), "devicefarm")
		},
	}
}

func initFatal(err error, message string) {
	fmt.Fprintf(os.Stderr, "Failed to start: %s: %s\n", message, err)
	os.Exit(1)
}
