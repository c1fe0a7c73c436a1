package main

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/go-delve/delve/service/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/willibrandon/bodysnatcher/pkg/delve"
	"github.com/willibrandon/bodysnatcher/pkg/dump"
	"github.com/willibrandon/bodysnatcher/pkg/snatcher"
)

// Set at build time with -ldflags "-X main.version=... -X main.date=..."
var (
	version = "dev"
	date    = "unknown"
)

func versionInfo() string {
	return fmt.Sprintf("bodysnatch v%s (built: %s, %s, %s/%s)",
		version, date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "bodysnatch",
		Short:         "Dump the local variables of a Go program when it panics",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.AddCommand(newRunCommand(), newShowCommand(), newVersionCommand())
	return root
}

type runOptions struct {
	dir     string
	addr    string
	zstd    bool
	verbose bool
}

func newRunCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] <binary> [-- args...]",
		Short: "Run a binary under Delve and dump the locals of the frame that panicked",
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.addr == "" && len(args) == 0 {
				return errors.New("a binary is required unless --addr is given")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.OutOrStdout(), logger, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "directory to write dumps to (default: working directory)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "connect to a running Delve headless server instead of launching one")
	cmd.Flags().BoolVar(&opts.zstd, "zstd", false, "compress dumps with zstd")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log every captured variable")
	return cmd
}

func run(out io.Writer, logger *zap.Logger, opts runOptions, args []string) error {
	var (
		session *delve.Session
		err     error
	)
	if opts.addr != "" {
		session, err = delve.Connect(opts.addr, logger)
	} else {
		session, err = delve.Launch(args[0], args[1:], logger)
	}
	if err != nil {
		return err
	}
	defer session.Close()

	state, err := session.ContinueToPanic()
	if errors.Is(err, delve.ErrExited) {
		fmt.Fprintf(out, "Target exited with status %d without panicking\n", state.ExitStatus)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run target: %w", err)
	}

	locals, err := session.PanicLocals()
	if err != nil {
		return err
	}

	compression := dump.NoCompression
	if opts.zstd {
		compression = dump.ZstdCompression
	}
	s := snatcher.NewWithOptions(opts.dir, snatcher.Options{
		Logger:      logger,
		Compression: compression,
	})

	report, err := s.Capture(describeStop(state), locals)
	if err != nil {
		return err
	}
	printReport(out, report, opts.dir, dump.Extension(compression))
	return nil
}

func describeStop(state *api.DebuggerState) string {
	th := state.CurrentThread
	return fmt.Sprintf("%s at %s:%d", th.Breakpoint.Name, th.File, th.Line)
}

func printReport(out io.Writer, report snatcher.Report, dir, ext string) {
	if dir == "" {
		dir = "."
	}
	fmt.Fprintf(out, "Dumped %d variable(s) to %s\n", len(report.Written), dir)
	for _, name := range report.Written {
		fmt.Fprintf(out, "  %s%s\n", name, ext)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(out, "  skipped %s: %v\n", f.Name, f.Err)
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <file>",
		Short: "Print a dump written by 'bodysnatch run' as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := dump.Load[api.Variable](args[0])
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), toNode(v))
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionInfo())
		},
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	if !verbose {
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("bodysnatch"), nil
}
