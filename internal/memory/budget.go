package memory

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ajitpratap0/nebula-loader/pkg/config"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
)

// Budget returns the total reservation budget in bytes. An explicit
// TotalBytes wins; otherwise SystemMemoryRatio of physical memory is used.
func Budget(cfg config.MemoryConfig) (int64, error) {
	if cfg.TotalBytes > 0 {
		return cfg.TotalBytes, nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeResource, "failed to read system memory")
	}
	return budgetFromSystem(vm.Total, cfg.SystemMemoryRatio)
}

func budgetFromSystem(total uint64, ratio float64) (int64, error) {
	if ratio <= 0 || ratio > 1 {
		return 0, errors.Newf(errors.ErrorTypeConfig, "system memory ratio %.2f out of range", ratio)
	}
	budget := int64(float64(total) * ratio)
	if budget <= 0 {
		return 0, errors.New(errors.ErrorTypeResource, "system memory budget is empty").
			WithDetail("system_bytes", total)
	}
	return budget, nil
}

// QueueBudget returns the share of total assigned to a queue.
func QueueBudget(total int64, ratio float64) int64 {
	return int64(float64(total) * ratio)
}
