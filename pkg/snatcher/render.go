package snatcher

import (
	"bytes"
	"errors"

	"github.com/davecgh/go-spew/spew"
)

// maxRendered bounds the value rendering attached to log entries
const maxRendered = 512

var spewConfig = spew.ConfigState{
	Indent:                  " ",
	MaxDepth:                3,
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

var errRenderFull = errors.New("render limit reached")

// rendered formats a captured value for logging. As a fmt.Stringer it is only
// evaluated when a log entry is actually written.
type rendered struct {
	v any
}

func (r rendered) String() string {
	w := &cappedWriter{max: maxRendered}
	func() {
		defer func() {
			if p := recover(); p != nil && p != errRenderFull {
				panic(p)
			}
		}()
		spewConfig.Fprintf(w, "%+v", r.v)
	}()

	if w.full {
		return w.buf.String() + "..."
	}
	return w.buf.String()
}

// cappedWriter stops spew as soon as max bytes are buffered
type cappedWriter struct {
	buf  bytes.Buffer
	max  int
	full bool
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); len(p) > room {
		w.buf.Write(p[:room])
		w.full = true
		panic(errRenderFull)
	}
	return w.buf.Write(p)
}
