package market

import (
	"context"
	"fmt"
	"os"

	"github.com/lagrangedao/go-compute-market/internal/scheduler"
	"gopkg.in/yaml.v2"
)

// Inventory is a seed list of GPU resources, e.g.
//
//	resources:
//	  - provider: 0xabc...
//	    total_gpu: 8
//	    price_per_gpu_hour: 100
//	    count: 2
type Inventory struct {
	Resources []InventoryResource `yaml:"resources"`
}

type InventoryResource struct {
	Provider        string `yaml:"provider"`
	TotalGpu        int    `yaml:"total_gpu"`
	PricePerGpuHour int64  `yaml:"price_per_gpu_hour"`
	// Count registers that many identical resources; zero means one.
	Count int `yaml:"count"`
}

func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.UnmarshalStrict(data, &inv); err != nil {
		return nil, err
	}
	for i, r := range inv.Resources {
		if r.Provider == "" {
			return nil, fmt.Errorf("resources[%d]: provider is required: %w", i, scheduler.ErrInvalidArgument)
		}
		if r.TotalGpu <= 0 {
			return nil, fmt.Errorf("resources[%d]: total_gpu must be positive: %w", i, scheduler.ErrInvalidArgument)
		}
		if r.PricePerGpuHour < 0 || r.Count < 0 {
			return nil, fmt.Errorf("resources[%d]: price and count must not be negative: %w", i, scheduler.ErrInvalidArgument)
		}
	}
	return &inv, nil
}

func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	inv, err := ParseInventory(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return inv, nil
}

// ImportInventory registers every resource in inv and returns the new ids.
// Ids registered before a failure are returned together with the error.
func (e *Engine) ImportInventory(ctx context.Context, inv *Inventory) ([]string, error) {
	var ids []string
	for _, r := range inv.Resources {
		n := r.Count
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			id, err := e.RegisterResource(ctx, r.TotalGpu, r.Provider, r.PricePerGpuHour)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
