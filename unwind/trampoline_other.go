//go:build !amd64

package unwind

import (
	"fmt"
	"runtime"
)

// The registry contract is architecture independent but the descriptor's
// machine code is not; only amd64 emission is implemented.
func trampoline(uintptr) ([]byte, error) {
	return nil, fmt.Errorf("unwind: no trampoline emitter for %s", runtime.GOARCH)
}
