package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/joho/godotenv"
	"github.com/lagrangedao/go-compute-market/constants"
	"github.com/lagrangedao/go-compute-market/internal/api"
	"github.com/lagrangedao/go-compute-market/internal/initializer"
	"github.com/lagrangedao/go-compute-market/util"
	"github.com/urfave/cli/v2"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start a market node",
	Action: func(cctx *cli.Context) error {
		logs.GetLogger().Info("Start in compute market mode.")

		repo := repoPath(cctx)
		os.Setenv(constants.ENV_REPO_PATH, repo)
		if err := godotenv.Load(filepath.Join(repo, ".env")); err != nil && !os.IsNotExist(err) {
			logs.GetLogger().Warnf("Failed load %s/.env, error: %v", repo, err)
		}

		node, err := initializer.ProjectInit(repo)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		loopDone := make(chan struct{})
		go func() {
			defer close(loopDone)
			node.Engine.Run(ctx)
		}()

		cfg := node.Config.API
		httpStopper, err := util.ServeHttp(api.NewRouter(node.Engine, node.Registry), "market-api",
			":"+strconv.Itoa(cfg.Port), cfg.CrtFile, cfg.KeyFile)
		if err != nil {
			cancel()
			node.Close()
			return err
		}
		logs.GetLogger().Infof("market api listening on :%d%s", cfg.Port, constants.API_BASE_PATH)

		shutdownChan := make(chan struct{})
		finishCh := util.MonitorShutdown(shutdownChan,
			util.ShutdownHandler{Component: "market-api", StopFunc: httpStopper},
			util.ShutdownHandler{Component: "market-engine", StopFunc: func(stopCtx context.Context) error {
				cancel()
				select {
				case <-loopDone:
				case <-stopCtx.Done():
					return stopCtx.Err()
				}
				node.Close()
				return nil
			}},
		)
		<-finishCh

		return nil
	},
}
