package frames

import "strings"

// PanicFunc is the runtime function every panic passes through
const PanicFunc = "runtime.gopanic"

// IsRuntime reports whether a fully qualified function name belongs to the Go runtime
func IsRuntime(fn string) bool {
	return strings.HasPrefix(fn, "runtime.")
}

// RaiseIndex returns the index of the frame that raised a panic, given the
// function names of a stack ordered innermost first.
//
// The raise site is the first non-runtime function below the last
// runtime.gopanic. Runtime helpers such as runtime.panicIndex sit between
// the two and are skipped. Without a gopanic frame the first non-runtime
// function is returned. -1 means no candidate frame exists.
func RaiseIndex(funcs []string) int {
	start := 0
	for i := len(funcs) - 1; i >= 0; i-- {
		if funcs[i] == PanicFunc {
			start = i + 1
			break
		}
	}

	for i := start; i < len(funcs); i++ {
		if !IsRuntime(funcs[i]) {
			return i
		}
	}
	return -1
}
