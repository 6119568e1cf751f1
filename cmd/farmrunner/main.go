// Command farmrunner runs one test script against the automation agent of a
// device, forwarded on a local port. Its exit code tells the scheduler how
// the run ended: 0 when the test passed, 1 when it failed while the agent was
// still alive, and 3 when the agent became unreachable.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fleetdm/devicefarm/server/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := createApp()
	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("farmrunner failed")
		os.Exit(exitFailed)
	}
}

func createApp() *cli.App {
	app := cli.NewApp()
	app.Name = "farmrunner"
	app.Usage = "Runs device farm tests against a device's automation agent"
	app.Version = version.Version().Version
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Enable debug logging",
			EnvVars: []string{"FARMRUNNER_DEBUG"},
		},
	}
	app.Before = func(c *cli.Context) error {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano, NoColor: true})
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if c.Bool("debug") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		return nil
	}
	app.Commands = []*cli.Command{
		runCommand(),
	}
	return app
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a test against the agent forwarded on a local port",
		ArgsUsage: "<test> <port>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "tests-dir",
				Usage:   "Directory containing the test scripts",
				Value:   "tests",
				EnvVars: []string{"DEVICEFARM_TESTS_DIR"},
			},
			&cli.StringFlag{
				Name:    "agent-host",
				Usage:   "Host the agent port is forwarded on",
				Value:   "localhost",
				EnvVars: []string{"FARMRUNNER_AGENT_HOST"},
			},
			&cli.DurationFlag{
				Name:  "status-timeout",
				Usage: "Timeout of the agent status request made when a test fails",
				Value: 5 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "grace",
				Usage: "Time given to a terminated test script before it is killed",
				Value: 10 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("usage: farmrunner run <test> <port>", exitFailed)
			}
			testName := c.Args().Get(0)
			port, err := strconv.Atoi(c.Args().Get(1))
			if err != nil || port <= 0 || port > 65535 {
				return cli.Exit(fmt.Sprintf("invalid port %q", c.Args().Get(1)), exitFailed)
			}

			r := &runner{
				testsDir:  c.String("tests-dir"),
				agentHost: c.String("agent-host"),
				client:    &http.Client{Timeout: c.Duration("status-timeout")},
				out:       os.Stdout,
				grace:     c.Duration("grace"),
			}
			if code := r.run(c.Context, testName, port); code != exitSuccess {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}
