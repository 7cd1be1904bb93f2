// Package matcher picks a GPU resource for a task. It performs no I/O and
// never mutates its inputs.
package matcher

import (
	"fmt"

	"github.com/lagrangedao/go-compute-market/internal/models"
)

// Comparator reports whether a should be preferred over b. Both candidates
// are already known to fit the task.
type Comparator func(a, b *models.GPUResource) bool

// MostAvailable prefers the resource with the most free GPUs, then the lowest id.
func MostAvailable(a, b *models.GPUResource) bool {
	if a.AvailableGpu != b.AvailableGpu {
		return a.AvailableGpu > b.AvailableGpu
	}
	return a.ID < b.ID
}

// BestFit prefers the resource that would be left with the fewest free GPUs.
func BestFit(a, b *models.GPUResource) bool {
	if a.AvailableGpu != b.AvailableGpu {
		return a.AvailableGpu < b.AvailableGpu
	}
	return a.ID < b.ID
}

// Cheapest prefers the lowest price per GPU hour, falling back to MostAvailable.
func Cheapest(a, b *models.GPUResource) bool {
	if a.PricePerGpuHour != b.PricePerGpuHour {
		return a.PricePerGpuHour < b.PricePerGpuHour
	}
	return MostAvailable(a, b)
}

func ByName(name string) (Comparator, error) {
	switch name {
	case "", "most-available":
		return MostAvailable, nil
	case "best-fit":
		return BestFit, nil
	case "cheapest":
		return Cheapest, nil
	}
	return nil, fmt.Errorf("unknown comparator %q", name)
}

type Matcher struct {
	prefer Comparator
}

func New(prefer Comparator) *Matcher {
	if prefer == nil {
		prefer = MostAvailable
	}
	return &Matcher{prefer: prefer}
}

// Propose returns the id of the preferred candidate with available_gpu >=
// required_gpu, or false when none qualifies.
func (m *Matcher) Propose(task *models.Task, candidates []*models.GPUResource) (string, bool) {
	var best *models.GPUResource
	for _, c := range candidates {
		if c == nil || !c.Fits(task.RequiredGpu) {
			continue
		}
		if best == nil || m.prefer(c, best) {
			best = c
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}
