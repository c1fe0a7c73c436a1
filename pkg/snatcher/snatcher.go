// Package snatcher captures the local variables of a failing block.
//
// A Snatcher guards a block of code. When the block exits normally nothing
// happens. When a panic or error escapes it, every variable in the snapshot
// the caller provided is serialized to <dir>/<name>.gob, one file per
// variable, and the failure continues to propagate unchanged.
//
//	func process(items []int) (err error) {
//		s := snatcher.New("dumps")
//		var total int
//		defer s.WatchError(&err, func() snatcher.Locals {
//			return snatcher.Locals{"items": items, "total": total}
//		})
//		...
//	}
package snatcher

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/willibrandon/bodysnatcher/pkg/dump"
)

// Options configures a Snatcher
type Options struct {
	// Logger receives capture diagnostics. Nil means DefaultLogger.
	Logger *zap.Logger
	// Compression is applied to every dump file
	Compression dump.CompressionType
	// Sink overrides where dumps are written. Nil means a FileSink on the output directory.
	Sink dump.Sink
}

// DefaultOptions returns the default logger with uncompressed file dumps
func DefaultOptions() Options {
	return Options{
		Logger:      DefaultLogger(),
		Compression: dump.NoCompression,
	}
}

// Snatcher is a scoped capture guard
type Snatcher struct {
	dir         string
	logger      *zap.Logger
	compression dump.CompressionType
	sink        dump.Sink
}

// Failure records a binding that could not be dumped
type Failure struct {
	Name string
	Err  error
}

// Report summarizes one capture
type Report struct {
	// Written holds the names dumped successfully, in capture order
	Written []string
	// Failed holds the bindings that were skipped because of an error
	Failed []Failure
	// Excluded holds the names bound to the guard itself
	Excluded []string
}

// New creates a Snatcher that dumps into dir with default options.
// An empty dir is the current working directory. Nothing is created on disk
// until a failure is captured.
func New(dir string) *Snatcher {
	return NewWithOptions(dir, DefaultOptions())
}

// NewWithOptions creates a Snatcher that dumps into dir with the given options
func NewWithOptions(dir string, options Options) *Snatcher {
	logger := options.Logger
	if logger == nil {
		logger = DefaultLogger()
	}

	sink := options.Sink
	if sink == nil {
		sink = dump.NewFileSink(dir, options.Compression, logger)
	}

	return &Snatcher{
		dir:         dir,
		logger:      logger,
		compression: options.Compression,
		sink:        sink,
	}
}

// Enter returns the guard itself
func (s *Snatcher) Enter() *Snatcher {
	return s
}

// Dir returns the output directory
func (s *Snatcher) Dir() string {
	return s.dir
}

// Watch must be deferred directly. If the surrounding function panics, the
// snapshot is taken and dumped, then the panic resumes with the same value.
func (s *Snatcher) Watch(snapshot func() Locals) {
	r := recover()
	if r == nil {
		return
	}

	s.capture(r, s.takeSnapshot(snapshot), nil)
	panic(r)
}

// WatchError must be deferred directly with a pointer to the function's named
// error result. A non-nil error or a panic triggers a capture.
//
// The error is left as is, except that a failure to create the output
// directory is joined onto it.
func (s *Snatcher) WatchError(errp *error, snapshot func() Locals) {
	r := recover()
	var cause any
	switch {
	case r != nil:
		cause = r
	case errp != nil && *errp != nil:
		cause = *errp
	default:
		return
	}

	_, err := s.capture(cause, s.takeSnapshot(snapshot), nil)
	if r != nil {
		panic(r)
	}
	if err != nil {
		*errp = errors.Join(*errp, err)
	}
}

// Do runs f with a Scope for binding its variables. If f returns an error or
// panics, the bound variables are dumped. The error is returned and the panic
// re-raised unchanged.
func (s *Snatcher) Do(f func(scope *Scope) error) (err error) {
	scope := newScope()
	defer func() {
		r := recover()
		var cause any
		switch {
		case r != nil:
			cause = r
		case err != nil:
			cause = err
		default:
			return
		}

		_, cerr := s.capture(cause, scope.Bindings(), scope)
		if r != nil {
			panic(r)
		}
		if cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	return f(scope)
}

// Capture dumps the snapshot for a failure the caller already holds.
// The returned error is only set when the output could not be prepared.
func (s *Snatcher) Capture(cause any, locals Locals) (Report, error) {
	return s.capture(cause, locals.Bindings(), nil)
}

// CaptureBindings is Capture with an explicit capture order
func (s *Snatcher) CaptureBindings(cause any, bindings []Binding) (Report, error) {
	return s.capture(cause, bindings, nil)
}

func (s *Snatcher) takeSnapshot(snapshot func() Locals) (bindings []Binding) {
	if snapshot == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("snapshot panicked, nothing to capture",
				zap.Any("panic", r), zap.Stack("stacktrace"))
			bindings = nil
		}
	}()
	return snapshot().Bindings()
}

func (s *Snatcher) capture(cause any, bindings []Binding, scope *Scope) (Report, error) {
	var report Report
	if cause == nil {
		return report, nil
	}

	s.logger.Info("exception occurred in "+s.typeName()+" context",
		zap.String("guard", s.typeName()),
		zap.String("kind", fmt.Sprintf("%T", cause)),
		zap.String("cause", fmt.Sprint(cause)),
		zap.String("site", raiseSite()),
		zap.ByteString("stacktrace", debug.Stack()),
	)

	kept := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		if s.isGuard(b.Value, scope) {
			report.Excluded = append(report.Excluded, b.Name)
			continue
		}
		kept = append(kept, b)
	}

	if err := s.sink.Prepare(); err != nil {
		s.logger.Error("failed to prepare dump output, nothing captured",
			zap.String("dir", s.dir), zap.Error(err))
		return report, fmt.Errorf("failed to capture locals: %w", err)
	}

	for _, b := range kept {
		path, err := s.dumpBinding(b)
		if err != nil {
			s.logger.Error("failed to dump binding, skipping",
				zap.String("name", b.Name),
				zap.String("type", fmt.Sprintf("%T", b.Value)),
				zap.Stringer("value", rendered{b.Value}),
				zap.String("error_type", fmt.Sprintf("%T", err)),
				zap.Error(err),
				zap.Stack("stacktrace"),
			)
			report.Failed = append(report.Failed, Failure{Name: b.Name, Err: err})
			continue
		}

		s.logger.Info("dumped binding",
			zap.String("name", b.Name),
			zap.String("type", fmt.Sprintf("%T", b.Value)),
			zap.Stringer("value", rendered{b.Value}),
			zap.String("path", path),
		)
		report.Written = append(report.Written, b.Name)
	}

	return report, nil
}

// dumpBinding encodes before touching the sink so unsupported values leave no file behind
func (s *Snatcher) dumpBinding(b Binding) (string, error) {
	if err := dump.ValidateName(b.Name); err != nil {
		return "", err
	}
	data, err := dump.Encode(b.Value, s.compression)
	if err != nil {
		return "", err
	}
	path, err := s.sink.Write(b.Name, data)
	if err != nil {
		return "", fmt.Errorf("failed to write dump %q: %w", b.Name, err)
	}
	return path, nil
}

// isGuard reports whether v is this Snatcher or the Scope it is running
func (s *Snatcher) isGuard(v any, scope *Scope) bool {
	switch g := v.(type) {
	case *Snatcher:
		return g == s
	case *Scope:
		return scope != nil && g == scope
	}
	return false
}

func (s *Snatcher) typeName() string {
	return reflect.TypeOf(s).Elem().Name()
}
