package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/lagrangedao/go-compute-market/internal/api"
	"github.com/lagrangedao/go-compute-market/internal/market"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/urfave/cli/v2"
)

var resourceCmd = &cli.Command{
	Name:  "resource",
	Usage: "Manage GPU resources",
	Subcommands: []*cli.Command{
		resourceRegister,
		resourceList,
		resourceImport,
	},
}

var resourceRegister = &cli.Command{
	Name:  "register",
	Usage: "Register a GPU resource",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "provider", Usage: "account paid for the resource", Required: true},
		&cli.IntFlag{Name: "gpu", Usage: "total gpu count", Required: true},
		&cli.Int64Flag{Name: "price", Usage: "price per gpu hour in base units"},
	},
	Action: func(cctx *cli.Context) error {
		req := api.RegisterResourceReq{
			Provider:        cctx.String("provider"),
			TotalGpu:        cctx.Int("gpu"),
			PricePerGpuHour: cctx.Int64("price"),
		}
		var out api.CreatedResp
		if err := newClient(cctx).call(http.MethodPost, "/resources", req, &out); err != nil {
			return fmt.Errorf("register resource failed, error: %w", err)
		}
		fmt.Println(out.ID)
		return nil
	},
}

var resourceList = &cli.Command{
	Name:  "list",
	Usage: "List GPU resources",
	Action: func(cctx *cli.Context) error {
		var resources []models.GPUResource
		if err := newClient(cctx).call(http.MethodGet, "/resources", nil, &resources); err != nil {
			return fmt.Errorf("list resources failed, error: %w", err)
		}
		var data [][]string
		for _, r := range resources {
			data = append(data, []string{
				r.ID,
				r.Provider,
				fmt.Sprintf("%d/%d", r.AvailableGpu, r.TotalGpu),
				strconv.FormatInt(r.PricePerGpuHour, 10),
			})
		}
		NewVisualTable([]string{"RESOURCE ID", "PROVIDER", "AVAILABLE", "PRICE/GPU-HOUR"}, data, nil).Generate()
		return nil
	},
}

var resourceImport = &cli.Command{
	Name:      "import",
	Usage:     "Register every resource listed in an inventory yaml file",
	ArgsUsage: "[inventory.yaml]",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("incorrect number of arguments, got %d", cctx.NArg())
		}
		inv, err := market.LoadInventory(cctx.Args().First())
		if err != nil {
			return err
		}
		client := newClient(cctx)
		registered := 0
		for _, r := range inv.Resources {
			n := r.Count
			if n == 0 {
				n = 1
			}
			for i := 0; i < n; i++ {
				req := api.RegisterResourceReq{Provider: r.Provider, TotalGpu: r.TotalGpu, PricePerGpuHour: r.PricePerGpuHour}
				var out api.CreatedResp
				if err := client.call(http.MethodPost, "/resources", req, &out); err != nil {
					return fmt.Errorf("registered %d resources before failure, error: %w", registered, err)
				}
				registered++
				fmt.Println(out.ID)
			}
		}
		return nil
	},
}
