package matcher

import (
	"testing"

	"github.com/lagrangedao/go-compute-market/internal/models"
)

func res(id string, available, total int, price int64) *models.GPUResource {
	return &models.GPUResource{ID: id, Provider: "p-" + id, AvailableGpu: available, TotalGpu: total, PricePerGpuHour: price}
}

func TestPropose(t *testing.T) {
	tests := []struct {
		name       string
		prefer     Comparator
		required   int
		candidates []*models.GPUResource
		want       string
		wantOK     bool
	}{
		{
			name:     "no candidates",
			required: 1,
			wantOK:   false,
		},
		{
			name:       "nothing fits",
			required:   4,
			candidates: []*models.GPUResource{res("a", 3, 8, 1), res("b", 0, 8, 1)},
			wantOK:     false,
		},
		{
			name:       "exact fit qualifies",
			required:   3,
			candidates: []*models.GPUResource{res("a", 3, 8, 1)},
			want:       "a",
			wantOK:     true,
		},
		{
			name:       "most available wins",
			required:   2,
			candidates: []*models.GPUResource{res("a", 2, 8, 1), res("b", 6, 8, 1), res("c", 4, 8, 1)},
			want:       "b",
			wantOK:     true,
		},
		{
			name:       "tie breaks on lowest id",
			required:   1,
			candidates: []*models.GPUResource{res("r2", 5, 8, 1), res("r1", 5, 8, 1), res("r3", 5, 8, 1)},
			want:       "r1",
			wantOK:     true,
		},
		{
			name:       "best fit keeps large pools free",
			prefer:     BestFit,
			required:   2,
			candidates: []*models.GPUResource{res("a", 8, 8, 1), res("b", 2, 4, 1), res("c", 3, 4, 1)},
			want:       "b",
			wantOK:     true,
		},
		{
			name:       "cheapest ignores pools that do not fit",
			prefer:     Cheapest,
			required:   4,
			candidates: []*models.GPUResource{res("a", 2, 8, 1), res("b", 4, 8, 5), res("c", 6, 8, 3)},
			want:       "c",
			wantOK:     true,
		},
		{
			name:       "cheapest ties fall back to most available",
			prefer:     Cheapest,
			required:   1,
			candidates: []*models.GPUResource{res("a", 2, 8, 3), res("b", 5, 8, 3)},
			want:       "b",
			wantOK:     true,
		},
		{
			name:       "nil entries are skipped",
			required:   1,
			candidates: []*models.GPUResource{nil, res("a", 1, 1, 0)},
			want:       "a",
			wantOK:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.prefer)
			got, ok := m.Propose(&models.Task{ID: "t", RequiredGpu: tt.required}, tt.candidates)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("Propose() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestProposeDoesNotMutate(t *testing.T) {
	candidates := []*models.GPUResource{res("a", 4, 8, 1), res("b", 6, 8, 1)}
	New(nil).Propose(&models.Task{RequiredGpu: 2}, candidates)
	if candidates[0].AvailableGpu != 4 || candidates[1].AvailableGpu != 6 || candidates[0].ID != "a" {
		t.Fatalf("candidates were modified: %+v %+v", candidates[0], candidates[1])
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", "most-available", "best-fit", "cheapest"} {
		if _, err := ByName(name); err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
	}
	if _, err := ByName("auction"); err == nil {
		t.Fatalf("expected error for unknown comparator")
	}
}
