package hetero

import "github.com/hetercomp/hetero/internal/constants"

// Re-exported defaults for the public API.
const (
	DefaultMinQueueConcurrency    = constants.DefaultMinQueueConcurrency
	DefaultMaxQueueConcurrency    = constants.DefaultMaxQueueConcurrency
	DefaultComputeQueueConcurrency = constants.DefaultComputeQueueConcurrency
	DefaultTaskPoolCapacity       = constants.DefaultTaskPoolCapacity
	DefaultGroupQuantum           = constants.DefaultGroupQuantum
	DefaultComputeAtWillWatermark = constants.DefaultComputeAtWillWatermark
	DefaultStructElementSize      = constants.DefaultStructElementSize
)

// clampQueueConcurrency enforces spec §6's [1,16] bound on
// computeQueueConcurrency.
func clampQueueConcurrency(n int) int {
	if n < DefaultMinQueueConcurrency {
		return DefaultMinQueueConcurrency
	}
	if n > DefaultMaxQueueConcurrency {
		return DefaultMaxQueueConcurrency
	}
	return n
}
