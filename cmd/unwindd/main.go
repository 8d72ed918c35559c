// Command unwindd loads a system dump and either prints the backtrace of
// every task or serves the diagnostics service over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/DataExMachina-dev/fpunwind/internal/crashlog"
	"github.com/DataExMachina-dev/fpunwind/internal/dump"
	"github.com/DataExMachina-dev/fpunwind/internal/eeprom"
	"github.com/DataExMachina-dev/fpunwind/internal/server"
	"github.com/DataExMachina-dev/fpunwind/internal/snapshot"
)

const (
	ENV_DUMP        = "UNWIND_DUMP"
	ENV_LISTEN_ADDR = "UNWIND_LISTEN_ADDR"
	ENV_TOKEN       = "UNWIND_TOKEN"

	defaultListenAddr = "127.0.0.1:7878"
	crashLogAddr      = 0x0807_f000
)

type config struct {
	dumpPath     string
	print        bool
	cpu          int
	listenAddr   string
	token        string
	crashLogPath string
	crashLogSize int
}

func parseFlags(args []string, getenv func(string) string) (config, error) {
	cfg := config{
		dumpPath:   getenv(ENV_DUMP),
		listenAddr: defaultListenAddr,
		token:      getenv(ENV_TOKEN),
	}
	if addr := getenv(ENV_LISTEN_ADDR); addr != "" {
		cfg.listenAddr = addr
	}
	fs := flag.NewFlagSet("unwindd", flag.ContinueOnError)
	fs.StringVar(&cfg.dumpPath, "dump", cfg.dumpPath, "system dump to load (or $"+ENV_DUMP+")")
	fs.BoolVar(&cfg.print, "print", false, "print every backtrace and exit")
	fs.IntVar(&cfg.cpu, "cpu", 0, "CPU to unwind from when printing")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "address to serve on (or $"+ENV_LISTEN_ADDR+")")
	fs.StringVar(&cfg.crashLogPath, "crashlog", "", "file holding the crash log EEPROM image")
	fs.IntVar(&cfg.crashLogSize, "crashlog-size", 4096, "size of a new crash log EEPROM image")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if cfg.dumpPath == "" {
		return config{}, fmt.Errorf("no dump given: use -dump or $%s", ENV_DUMP)
	}
	return cfg, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := parseFlags(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logger.Error("invalid arguments", "err", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger, os.Stdout); err != nil {
		logger.Error("unwindd failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger, stdout io.Writer) error {
	d, err := dump.Load(cfg.dumpPath)
	if err != nil {
		return err
	}
	sys, err := dump.Open(d)
	if err != nil {
		return fmt.Errorf("failed to open dump: %w", err)
	}
	logger.Info("loaded dump",
		"path", cfg.dumpPath,
		"arch", sys.Arch().Name(),
		"tasks", len(sys.Tasks()),
		"cpus", len(sys.CPUs()))

	if cfg.print {
		snap, err := snapshot.Take(ctx, sys, snapshot.WithCPU(cfg.cpu))
		if err != nil {
			return err
		}
		return printSnapshot(stdout, snap)
	}
	return serve(ctx, cfg, sys, logger)
}

func printSnapshot(w io.Writer, s *snapshot.Snapshot) error {
	if _, err := fmt.Fprintf(w, "snapshot %s from cpu %d\n", s.ID, s.CPU); err != nil {
		return err
	}
	for _, t := range s.Tasks {
		where := "blocked"
		if t.RunningOn >= 0 {
			where = fmt.Sprintf("running on cpu %d", t.RunningOn)
		}
		if _, err := fmt.Fprintf(w, "\npid %d %q (%s)\n", t.PID, t.Name, where); err != nil {
			return err
		}
		if t.Unsupported {
			if _, err := fmt.Fprintln(w, "  <live on another cpu>"); err != nil {
				return err
			}
			continue
		}
		for i, a := range s.Stacks[t.StackID] {
			if _, err := fmt.Fprintf(w, "  #%-2d %s\n", i, server.FormatAddr(a)); err != nil {
				return err
			}
		}
	}
	return nil
}

func serve(ctx context.Context, cfg config, sys *dump.System, logger *slog.Logger) error {
	errorLogger := func(err error) {
		logger.Error("diagnostics", "err", err)
	}
	opts := []server.Option{server.WithErrorLogger(errorLogger)}
	var dev *eeprom.Device
	if cfg.crashLogPath != "" {
		var err error
		if dev, err = openCrashLog(cfg.crashLogPath, cfg.crashLogSize); err != nil {
			return err
		}
		opts = append(opts, server.WithCrashLog(crashlog.Open(dev)))
	}

	var grpcOpts []grpc.ServerOption
	if cfg.token != "" {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(server.TokenInterceptor(cfg.token)))
	}
	s := grpc.NewServer(grpcOpts...)
	server.RegisterDiagnosticsServer(s, server.NewServer(sys, server.NewSnapshotTaker(sys), opts...))

	l, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.listenAddr, err)
	}
	logger.Info("serving", "addr", l.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.GracefulStop()
		return nil
	})
	err = g.Wait()
	if dev != nil {
		if serr := os.WriteFile(cfg.crashLogPath, dev.Bytes(), 0o644); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to save crash log: %w", serr))
		}
	}
	return err
}

// openCrashLog loads the EEPROM image at path, or makes an erased one.
func openCrashLog(path string, size int) (*eeprom.Device, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return eeprom.New(crashLogAddr, size), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read crash log: %w", err)
	}
	return eeprom.FromBytes(crashLogAddr, b), nil
}
