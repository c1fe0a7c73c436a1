// Package delve reads the locals of a panicking Go program through a Delve
// headless server, so they can be dumped by a Snatcher.
package delve

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"go.uber.org/zap"

	"github.com/willibrandon/bodysnatcher/pkg/frames"
	"github.com/willibrandon/bodysnatcher/pkg/snatcher"
)

// Names of the breakpoints Delve installs on unrecovered panics and fatal throws
const (
	UnrecoveredPanic = "unrecovered-runtime-panic"
	FatalThrow       = "runtime-fatal-throw"
)

const (
	connectTimeout = 10 * time.Second
	stackDepth     = 64
)

var (
	// ErrExited is returned when the target exits without panicking
	ErrExited = errors.New("target exited")
	// ErrNoFrame is returned when no user frame is found on the panicking goroutine
	ErrNoFrame = errors.New("no raise frame found")
)

// LoadConfig controls how much of each variable is read from the target
var LoadConfig = api.LoadConfig{
	FollowPointers:     true,
	MaxVariableRecurse: 2,
	MaxStringLen:       256,
	MaxArrayValues:     128,
	MaxStructFields:    -1,
}

// Session wraps a Delve RPC client and, when launched by us, the dlv process
type Session struct {
	client    *rpc2.RPCClient
	logger    *zap.Logger
	target    string    // Target binary path, empty when attached to an existing server
	dlvCmd    *exec.Cmd // The running 'dlv exec' command
	dlvListen string    // The address dlv is listening on (e.g., "localhost:12345")
}

// findFreePort finds an available TCP port on localhost
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Launch starts a Delve headless server for the target with the given
// command line arguments and connects to it
func Launch(targetPath string, args []string, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	absPath, err := filepath.Abs(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for target %s: %w", targetPath, err)
	}

	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find free port for delve: %w", err)
	}
	listen := "localhost:" + strconv.Itoa(port)

	cmdArgs := []string{
		"exec", absPath,
		"--headless",
		"--listen=" + listen,
		"--api-version=2",
		"--accept-multiclient",
	}
	// Only add the '--' separator if we have args to pass
	if len(args) > 0 {
		cmdArgs = append(cmdArgs, "--")
		cmdArgs = append(cmdArgs, args...)
	}

	dlvCmd := exec.Command("dlv", cmdArgs...)
	setupProcAttr(dlvCmd)

	if err := dlvCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start delve process: %w", err)
	}
	logger.Info("started delve headless server",
		zap.String("target", absPath),
		zap.String("listen", listen),
		zap.Int("pid", dlvCmd.Process.Pid),
		zap.Strings("args", args),
	)

	client, err := dial(listen, connectTimeout)
	if err != nil {
		_ = dlvCmd.Process.Kill()
		_, _ = dlvCmd.Process.Wait()
		return nil, err
	}

	return &Session{
		client:    client,
		logger:    logger,
		target:    absPath,
		dlvCmd:    dlvCmd,
		dlvListen: listen,
	}, nil
}

// Connect attaches to a Delve headless server that is already running
func Connect(addr string, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := dial(addr, connectTimeout)
	if err != nil {
		return nil, err
	}
	return &Session{client: client, logger: logger, dlvListen: addr}, nil
}

// dial waits for the server to accept connections and answer a state request
func dial(addr string, timeout time.Duration) (*rpc2.RPCClient, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			client := rpc2.NewClient(addr)
			if _, err := client.GetState(); err != nil {
				return nil, fmt.Errorf("failed to connect RPC client to delve server at %s: %w", addr, err)
			}
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("delve server at %s did not come up: %w", addr, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Addr returns the address of the Delve server
func (s *Session) Addr() string {
	return s.dlvListen
}

// ContinueToPanic resumes the target until it stops on an unrecovered panic
// or fatal throw. Other stops are continued past.
func (s *Session) ContinueToPanic() (*api.DebuggerState, error) {
	for {
		var state *api.DebuggerState
		for st := range s.client.Continue() {
			state = st
		}
		if state == nil {
			return nil, errors.New("delve returned no state")
		}
		if state.Exited {
			return state, fmt.Errorf("%w with status %d", ErrExited, state.ExitStatus)
		}
		if state.Err != nil {
			return nil, state.Err
		}
		if IsPanicStop(state) {
			return state, nil
		}
	}
}

// IsPanicStop reports whether the target is stopped on a panic breakpoint
func IsPanicStop(state *api.DebuggerState) bool {
	if state == nil || state.CurrentThread == nil || state.CurrentThread.Breakpoint == nil {
		return false
	}
	switch state.CurrentThread.Breakpoint.Name {
	case UnrecoveredPanic, FatalThrow:
		return true
	}
	return false
}

// PanicLocals returns the arguments and locals of the frame that raised the
// panic the target is stopped on
func (s *Session) PanicLocals() (snatcher.Locals, error) {
	state, err := s.client.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	var goroutineID int64
	switch {
	case state.SelectedGoroutine != nil:
		goroutineID = state.SelectedGoroutine.ID
	case state.CurrentThread != nil:
		goroutineID = state.CurrentThread.GoroutineID
	default:
		return nil, fmt.Errorf("no current goroutine available")
	}

	cfg := LoadConfig
	stack, err := s.client.Stacktrace(goroutineID, stackDepth, 0, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get stacktrace of goroutine %d: %w", goroutineID, err)
	}

	idx := RaiseFrame(stack)
	if idx < 0 {
		return nil, ErrNoFrame
	}
	frame := stack[idx]
	s.logger.Info("located raise frame",
		zap.String("function", functionName(frame)),
		zap.String("file", frame.File),
		zap.Int("line", frame.Line),
	)
	return FrameLocals(frame), nil
}

// RaiseFrame returns the index of the frame that raised the panic
func RaiseFrame(stack []api.Stackframe) int {
	funcs := make([]string, len(stack))
	for i, frame := range stack {
		funcs[i] = functionName(frame)
	}
	return frames.RaiseIndex(funcs)
}

// FrameLocals collects the visible arguments and locals of a frame.
// Shadowed variables are left out.
func FrameLocals(frame api.Stackframe) snatcher.Locals {
	locals := snatcher.Locals{}
	for _, vars := range [][]api.Variable{frame.Arguments, frame.Locals} {
		for _, v := range vars {
			if v.Flags&api.VariableShadowed != 0 {
				continue
			}
			locals[v.Name] = v
		}
	}
	return locals
}

func functionName(frame api.Stackframe) string {
	if frame.Function == nil {
		return ""
	}
	return frame.Function.Name()
}

// Close disconnects from Delve. A server launched by this session is stopped
// together with its target.
func (s *Session) Close() error {
	var closeErr error
	if s.client != nil {
		if s.dlvCmd != nil {
			if err := s.client.Detach(true); err != nil {
				closeErr = fmt.Errorf("failed to detach delve client: %w", err)
			}
		} else if err := s.client.Disconnect(false); err != nil {
			closeErr = fmt.Errorf("failed to disconnect delve client: %w", err)
		}
		s.client = nil
	}

	if s.dlvCmd != nil && s.dlvCmd.Process != nil {
		pid := s.dlvCmd.Process.Pid
		if err := s.dlvCmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("failed to kill delve process", zap.Int("pid", pid), zap.Error(err))
			if closeErr == nil {
				closeErr = fmt.Errorf("failed to kill delve process: %w", err)
			}
		}
		// Wait for the process to release resources
		if _, err := s.dlvCmd.Process.Wait(); err != nil {
			s.logger.Debug("waiting for delve process", zap.Int("pid", pid), zap.Error(err))
		}
		s.logger.Info("delve process terminated", zap.Int("pid", pid))
		s.dlvCmd = nil
	}
	return closeErr
}
