package models

import "time"

// GPUResource is a provider's pool of GPUs. AvailableGpu stays within [0, TotalGpu].
type GPUResource struct {
	ID              string    `json:"id"`
	Provider        string    `json:"provider"`
	TotalGpu        int       `json:"total_gpu"`
	AvailableGpu    int       `json:"available_gpu"`
	PricePerGpuHour int64     `json:"price_per_gpu_hour"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int64     `json:"version"`
}

func (r *GPUResource) SetVersion(v int64) { r.Version = v }

// Fits reports whether the resource can currently hold n GPUs.
func (r *GPUResource) Fits(n int) bool {
	return n > 0 && r.AvailableGpu >= n
}
