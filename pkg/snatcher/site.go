package snatcher

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/willibrandon/bodysnatcher/pkg/frames"
)

var pkgPrefix = reflect.TypeOf(Snatcher{}).PkgPath() + "."

// raiseSite describes the frame that raised the failure being captured.
// While a panic unwinds, its frames are still on the stack below
// runtime.gopanic; for returned errors the guarded function is used.
func raiseSite() string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	iter := runtime.CallersFrames(pcs[:n])

	var stack []runtime.Frame
	for {
		frame, more := iter.Next()
		stack = append(stack, frame)
		if !more {
			break
		}
	}

	// drop the guard itself and compiler generated defer wrappers
	i := 0
	for i < len(stack) && (strings.HasPrefix(stack[i].Function, pkgPrefix) ||
		strings.Contains(stack[i].Function, ".deferwrap")) {
		i++
	}
	stack = stack[i:]

	funcs := make([]string, len(stack))
	for j, frame := range stack {
		funcs[j] = frame.Function
	}
	idx := frames.RaiseIndex(funcs)
	if idx < 0 {
		return "unknown"
	}
	return fmt.Sprintf("%s %s:%d", stack[idx].Function, stack[idx].File, stack[idx].Line)
}
