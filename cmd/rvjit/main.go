// Command rvjit runs an RV64IMC ELF executable or raw image.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/rvjit/internal/config"
	"github.com/tinyrange/rvjit/internal/console"
	"github.com/tinyrange/rvjit/internal/loader"
	"github.com/tinyrange/rvjit/internal/platform"
	"github.com/tinyrange/rvjit/internal/rv64"
	"github.com/tinyrange/rvjit/internal/timeslice"
	"github.com/tinyrange/rvjit/internal/vm"
)

// escapeByte (Ctrl-]) stops the guest when stdin is raw.
const escapeByte = 0x1d

func main() {
	if err := run(); err != nil {
		var exitErr *platform.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "rvjit: %v\n", err)
		os.Exit(1)
	}
}

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	if _, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}

type options struct {
	configPath  string
	mode        string
	memoryMB    uint64
	codeKB      int
	base        uint64
	compressed  bool
	noNative    bool
	verbose     bool
	profile     string
	surface     bool
	screen      bool
	raw         bool
	stats       bool
	timeout     time.Duration
	writeConfig bool
}

func parseFlags(args []string) (*options, *flag.FlagSet, error) {
	o := &options{}
	fs := flag.NewFlagSet("rvjit", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "YAML settings file")
	fs.StringVar(&o.mode, "mode", "", "Execution mode: auto, interpret or jit")
	fs.Uint64Var(&o.memoryMB, "memory", 0, "Guest RAM in MiB")
	fs.IntVar(&o.codeKB, "code-kb", 0, "JIT code buffer size in KiB")
	fs.Uint64Var(&o.base, "base", 0, "Load address for raw images")
	fs.BoolVar(&o.compressed, "compressed", false, "Enable the C extension")
	fs.BoolVar(&o.noNative, "no-native", false, "Never generate host code")
	fs.BoolVar(&o.verbose, "v", false, "Verbose logging")
	fs.StringVar(&o.profile, "profile", "", "Write a timeslice trace to this file")
	fs.BoolVar(&o.surface, "surface", false, "Mirror the MMIO text surface onto the terminal")
	fs.BoolVar(&o.screen, "screen", false, "Run guest output through a terminal emulator and print the final screen")
	fs.BoolVar(&o.raw, "raw", false, "Put the terminal in raw mode and forward keys to the guest")
	fs.BoolVar(&o.stats, "stats", false, "Log JIT statistics on exit")
	fs.DurationVar(&o.timeout, "timeout", 0, "Stop the guest after this long")
	fs.BoolVar(&o.writeConfig, "write-config", false, "Print the effective settings as YAML and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: rvjit [flags] <image>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return o, fs, nil
}

// settings loads the config file and environment, then applies the flags
// that were given explicitly.
func settings(o *options, fs *flag.FlagSet) (config.Config, error) {
	c, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			c.Mode = o.mode
		case "memory":
			c.MemoryMB = o.memoryMB
		case "code-kb":
			c.JIT.CodeKB = o.codeKB
		case "base":
			c.LoadAddress = o.base
		case "compressed":
			c.Compressed = o.compressed
		case "no-native":
			c.Native = !o.noNative
		case "v":
			c.Verbose = o.verbose
		case "profile":
			c.Profile = o.profile
		case "surface":
			c.Console.Surface = o.surface
		case "raw":
			c.Console.Raw = o.raw
		}
	})
	if err := c.Validate(); err != nil {
		return config.Config{}, err
	}
	return c, nil
}

// stackTop places the initial stack at the top of RAM. The heap window
// ends stackReserve below it.
func stackTop(l rv64.Layout) (top, heapLimit uint64) {
	top = (l.RAMBase + l.RAMSize) &^ 15
	reserve := min(l.RAMSize/4, 1<<20)
	return top, top - reserve
}

func run() error {
	o, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	c, err := settings(o, fs)
	if err != nil {
		return err
	}
	if o.writeConfig {
		return config.WriteTemplate(os.Stdout, c)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected exactly one image")
	}

	interactive := c.Console.Raw && term.IsTerminal(int(os.Stdin.Fd()))
	var stdout io.Writer = os.Stdout
	var logOut io.Writer = os.Stderr
	if interactive {
		stdout = &fixCrlf{w: os.Stdout}
		logOut = &fixCrlf{w: os.Stderr}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: c.LogLevel()})))

	img, err := loader.LoadFile(fs.Arg(0), c.LoadAddress)
	if err != nil {
		return err
	}

	var profile *timeslice.Recorder
	if c.Profile != "" {
		f, err := os.Create(c.Profile)
		if err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		defer f.Close()
		w, err := timeslice.Open(f, timeslice.DefaultKinds())
		if err != nil {
			return fmt.Errorf("open profile: %w", err)
		}
		defer w.Close()
		profile = timeslice.NewRecorder(w)
	}

	var screen *console.Console
	guestOut := stdout
	if o.screen {
		screen = console.New(c.Console.Cols, c.Console.Rows, nil)
		defer screen.Close()
		guestOut = screen
	}
	plat := platform.New(platform.Config{Stdout: guestOut, Logger: slog.Default()})

	vc, err := c.VM(plat.Handler(), slog.Default(), profile)
	if err != nil {
		return err
	}
	v, err := vm.New(vc)
	if err != nil {
		return err
	}
	defer v.Close()
	plat.Attach(v)

	if err := v.Init(img); err != nil {
		return err
	}
	top, heapLimit := stackTop(vc.Layout)
	_, hi := img.Span()
	heapBase := (hi + 0xfff) &^ 0xfff
	if heapBase > heapLimit {
		heapBase = heapLimit
	}
	plat.SetBreak(heapBase, heapLimit)
	v.CPU().X[rv64.RegSP] = top
	slog.Debug("rvjit: starting", "image", fs.Arg(0), "mode", v.Mode(), "entry", fmt.Sprintf("0x%x", v.CPU().PC))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if interactive {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}
	go pumpInput(os.Stdin, plat, v, interactive)

	var pred func(*vm.VM) bool
	if c.Console.Surface {
		surface := console.NewSurface(c.Console.Cols, c.Console.Rows)
		io.WriteString(os.Stdout, ansi.EraseEntireScreen)
		pred = func(v *vm.VM) bool {
			if surface.Sync(v.MMIO()) > 0 {
				surface.Render(os.Stdout)
			}
			return false
		}
	}

	if err := v.Start(); err != nil {
		return err
	}
	start := time.Now()
	err = v.RunUntil(ctx, pred)
	if pred != nil {
		pred(v)
	}
	if screen != nil {
		fmt.Fprintln(os.Stdout, screen.Snapshot())
	}
	if c.Verbose || o.stats {
		logStats(v, time.Since(start))
	}

	var exitErr *platform.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		return exitErr
	case errors.Is(err, rv64.ErrHalt):
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Info("rvjit: stopped", "reason", err, "pc", fmt.Sprintf("0x%x", v.CPU().PC))
		return nil
	}
	fmt.Fprint(logOut, v.Diagnostics())
	return err
}

// pumpInput forwards host stdin to the guest until EOF.
func pumpInput(r io.Reader, p *platform.Platform, v *vm.VM, raw bool) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b := buf[:n]
			if raw {
				if i := bytes.IndexByte(b, escapeByte); i >= 0 {
					p.PushInput(b[:i])
					v.Stop()
					return
				}
			}
			p.PushInput(b)
		}
		if err != nil {
			p.CloseInput()
			return
		}
	}
}

func logStats(v *vm.VM, elapsed time.Duration) {
	cpu := v.CPU()
	st := v.Stats()
	slog.Info("rvjit: stats",
		"mode", v.Mode(),
		"instret", cpu.Instret,
		"elapsed", elapsed,
		"blocks", st.BlocksCompiled,
		"codeBytes", st.CodeBytes,
		"chains", st.ChainsPatched,
		"resolves", st.Resolves,
		"indirectMisses", st.IndirectMisses,
		"fallbacks", st.Fallbacks,
		"invalidations", st.Invalidations,
		"codeWrites", st.CodeWrites,
		"resets", st.Resets,
	)
}
