package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rupy-dev/rupy"
	"github.com/rupy-dev/rupy/internal/config"
)

const (
	pidFile   = "pid.txt"
	logDir    = "log"
	accessLog = "access.txt"
	errorLog  = "error.txt"
)

func serveCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the daemon in the foreground.

Configuration is read from rupy.yaml (or --config), then RUPY_*
environment variables, then flags.

Examples:
  rupy serve
  rupy serve --port=8080 --threads=10
  rupy serve --host --domain=host.example.com --log
  RUPY_PASS=changeme rupy serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(file)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
				return err
			}
			if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&file, "config", "c", "", "configuration file (default rupy.yaml when present)")
	config.RegisterFlags(cmd.Flags())

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(stderr, cfg)

	opts := []rupy.Option{rupy.WithLogger(logger)}
	if cfg.Log {
		access, errs, closeLogs, err := openLogs(logDir)
		if err != nil {
			return err
		}
		defer closeLogs()
		opts = append(opts, rupy.WithAccessLog(access), rupy.WithErrorLog(errs))
	}

	app, err := rupy.NewApp(cfg, opts...)
	if err != nil {
		return err
	}

	if err := writePid(pidFile); err != nil {
		warn("could not write %s: %v", pidFile, err)
	} else {
		defer os.Remove(pidFile)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}

// newLogger logs warnings by default, info with verbose and everything
// with debug.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case cfg.Debug:
		level = slog.LevelDebug
	case cfg.Verbose:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openLogs opens the access and error log files below dir.
func openLogs(dir string) (access, errs *slog.Logger, closeFn func(), err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	af, err := open(accessLog)
	if err != nil {
		return nil, nil, nil, err
	}
	ef, err := open(errorLog)
	if err != nil {
		af.Close()
		return nil, nil, nil, err
	}
	access = slog.New(slog.NewTextHandler(af, nil))
	errs = slog.New(slog.NewTextHandler(ef, nil))
	return access, errs, func() {
		af.Close()
		ef.Close()
	}, nil
}

func writePid(name string) error {
	return os.WriteFile(name, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
