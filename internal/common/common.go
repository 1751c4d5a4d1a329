package common

import (
	"os"
	"path/filepath"
)

// AppName is the binary name, used in CLI examples and log lines, mirroring
// how the rest of this codebase derives its tool name from argv[0].
var AppName = filepath.Base(os.Args[0])

// MaxCoresPerModule is the number of cores that share one prefetcher-control
// MSR on the target architectures this controller is built for.
const MaxCoresPerModule = 4

// ClampTickInterval clamps a requested tick interval, in seconds, to the
// supported range.
func ClampTickInterval(seconds float64) float64 {
	const min = 0.0001
	const max = 60.0
	if seconds < min {
		return min
	}
	if seconds > max {
		return max
	}
	return seconds
}
