// Command bridge drives a guest engine from the command line.
//
// Without -wasm it runs the in-process loopback engine. On a terminal it
// starts an interactive console; otherwise it reads commands from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/term"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/abi"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/internal/telemetry"
	"github.com/wippyai/wasm-bridge/loopback"
	"github.com/wippyai/wasm-bridge/runtime"
)

// settings are read from the environment; flags override them.
type settings struct {
	Policy           string `env:"WASM_BRIDGE_POLICY" envDefault:"isolate" validate:"oneof=isolate abort"`
	MaxBatchRecords  uint32 `env:"WASM_BRIDGE_MAX_BATCH_RECORDS" envDefault:"65536" validate:"gt=0"`
	MemoryLimitPages uint32 `env:"WASM_BRIDGE_MEMORY_LIMIT_PAGES" validate:"lte=65536"`
	HeapSize         uint64 `env:"WASM_BRIDGE_HEAP_SIZE" envDefault:"1048576" validate:"gte=64"`
	Debug            bool   `env:"WASM_BRIDGE_DEBUG"`
}

func main() {
	var s settings
	if err := env.Parse(&s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var (
		wasmFile    = flag.String("wasm", "", "Path to guest wasm module (default: loopback engine)")
		wide        = flag.Bool("wide", false, "Use 8-byte wire pointers (loopback only)")
		lineMode    = flag.Bool("line", false, "Read commands from stdin even on a terminal")
		interactive = flag.Bool("i", false, "Interactive console even when stdin is not a terminal")
	)
	flag.StringVar(&s.Policy, "policy", s.Policy, "Dispatch policy: isolate or abort")
	flag.BoolVar(&s.Debug, "debug", s.Debug, "Debug logging")
	flag.Parse()

	if err := validator.New().Struct(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	useTUI := *interactive || (!*lineMode && term.IsTerminal(int(os.Stdin.Fd())))
	if err := run(*wasmFile, *wide, useTUI, s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(wasmFile string, wide, useTUI bool, s settings) (err error) {
	ctx := context.Background()

	log, err := newLogger(s.Debug, useTUI)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	tcfg, err := telemetry.ConfigFromEnv()
	if err != nil {
		return err
	}
	tp, shutdown, err := telemetry.Setup(ctx, "wasm-bridge", tcfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { err = multierr.Append(err, shutdown(context.Background())) }()

	guest, release, err := openGuest(ctx, wasmFile, wide, s, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, release(context.Background())) }()

	policy := runtime.DispatchIsolate
	if s.Policy == "abort" {
		policy = runtime.DispatchAbort
	}
	rt, err := runtime.New(ctx, guest,
		runtime.WithLogger(log),
		runtime.WithTracerProvider(tp),
		runtime.WithDispatchPolicy(policy),
		runtime.WithMaxBatchRecords(s.MaxBatchRecords),
	)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() { err = multierr.Append(err, rt.Close(context.Background())) }()

	c := newConsole(rt)
	if useTUI {
		return runInteractive(c, describe(wasmFile, rt.Mode()))
	}
	return runLines(ctx, c, os.Stdin, os.Stdout)
}

// openGuest loads wasmFile, or a loopback engine when it is empty. release
// tears down whatever was created.
func openGuest(ctx context.Context, wasmFile string, wide bool, s settings, log *zap.Logger) (wasmbridge.Guest, func(context.Context) error, error) {
	if wasmFile == "" {
		mode := abi.Narrow
		if wide {
			mode = abi.Wide
		}
		lb := loopback.New(
			loopback.WithMode(mode),
			loopback.WithHeapSize(s.HeapSize),
			loopback.WithLogger(log),
		)
		return lb, func(context.Context) error { return nil }, nil
	}

	data, err := os.ReadFile(wasmFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read file: %w", err)
	}

	engine.SetLogger(log)
	eng, err := engine.NewWazeroEngine(ctx, &engine.Config{MemoryLimitPages: s.MemoryLimitPages})
	if err != nil {
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}
	mod, err := eng.LoadModule(ctx, data,
		engine.WithStdout(os.Stderr),
		engine.WithStderr(os.Stderr),
	)
	if err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("load module: %w", err), eng.Close(ctx))
	}
	return mod, func(ctx context.Context) error {
		return multierr.Append(mod.Close(ctx), eng.Close(ctx))
	}, nil
}

// newLogger writes to stderr; the console owns the screen in TUI mode, so
// only errors are logged there.
func newLogger(debug, quiet bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	switch {
	case quiet:
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case debug:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func describe(wasmFile string, mode abi.Mode) string {
	if wasmFile == "" {
		return fmt.Sprintf("loopback (%s)", mode)
	}
	return fmt.Sprintf("%s (%s)", wasmFile, mode)
}

// runLines reads one command per line from r until EOF or quit.
func runLines(ctx context.Context, c *console, r io.Reader, w io.Writer) error {
	defer func() { _ = c.closeAll(ctx) }()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out, err := c.exec(ctx, sc.Text())
		for _, line := range out {
			fmt.Fprintln(w, line)
		}
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
	return sc.Err()
}
