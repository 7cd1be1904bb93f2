package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/lagrangedao/go-compute-market/build"
	"github.com/lagrangedao/go-compute-market/constants"
	"github.com/urfave/cli/v2"
)

const (
	FlagRepo = "repo"
	FlagAPI  = "api"
)

func main() {
	app := &cli.App{
		Name:                 "compute-market",
		Usage:                "A matching and settlement engine that pairs GPU compute tasks with provider resources and pays providers on-chain.",
		EnableBashCompletion: true,
		Version:              build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagRepo,
				EnvVars: []string{constants.ENV_REPO_PATH},
				Usage:   "market repo path",
				Value:   "~/.swan/market",
			},
			&cli.StringFlag{
				Name:    FlagAPI,
				EnvVars: []string{"MARKET_API"},
				Usage:   "market api url used by the client commands",
				Value:   "http://127.0.0.1:8085",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			taskCmd,
			resourceCmd,
			eventsCmd,
		},
	}
	app.Setup()

	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func repoPath(cctx *cli.Context) string {
	p := cctx.String(FlagRepo)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}
