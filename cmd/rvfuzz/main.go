// Command rvfuzz runs random RV64IMC programs on the interpreter and the JIT
// and reports the first program on which they disagree.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/rvjit/internal/asm/riscv"
	"github.com/tinyrange/rvjit/internal/jit"
	"github.com/tinyrange/rvjit/internal/loader"
	"github.com/tinyrange/rvjit/internal/rv64"
	"github.com/tinyrange/rvjit/internal/vm"
)

// dataOffset is where s0 points, relative to the start of RAM.
const dataOffset = 0x8000

type mismatch struct {
	seed int64
	code []byte
	what string
}

func (m *mismatch) Error() string {
	return fmt.Sprintf("seed %d: %s", m.seed, m.what)
}

type fuzzer struct {
	interp *vm.VM
	native *vm.VM
	length int
	limit  uint64
	calls  bool
	rvc    bool
}

func newFuzzer(memoryMB uint64, maxBlock int, rvc bool) (*fuzzer, error) {
	layout := rv64.DefaultLayout()
	layout.RAMSize = memoryMB << 20
	cfg := vm.Config{
		Layout: layout,
		Native: true,
		JIT: jit.Config{
			CodeSize:             1 << 20,
			MaxBlockInstructions: maxBlock,
			ResetOnExhaustion:    true,
		},
		Logger:     slog.Default(),
		Compressed: rvc,
	}

	cfg.Mode = vm.ModeInterpret
	interp, err := vm.New(cfg)
	if err != nil {
		return nil, err
	}
	cfg.Mode = vm.ModeJIT
	native, err := vm.New(cfg)
	if err != nil {
		interp.Close()
		return nil, err
	}
	return &fuzzer{interp: interp, native: native, rvc: rvc}, nil
}

func (f *fuzzer) Close() {
	f.interp.Close()
	f.native.Close()
}

type outcome struct {
	cpu rv64.CPU
	err error
	mem []byte
}

func (f *fuzzer) run(v *vm.VM, img *loader.Image, regs [32]uint64) (outcome, error) {
	if err := v.Init(img); err != nil {
		return outcome{}, err
	}
	cpu := v.CPU()
	for i := 1; i < 32; i++ {
		cpu.X[i] = regs[i]
	}
	if err := v.Start(); err != nil {
		return outcome{}, err
	}
	_, err := v.Run(f.limit)
	return outcome{cpu: *v.CPU(), err: err, mem: v.Memory().Bytes()}, nil
}

// once runs one program derived from seed on both VMs.
func (f *fuzzer) once(seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	opts := riscv.RandomOptions{Compressed: f.rvc}
	if f.calls {
		opts.Calls = true
		opts.Iterations = 1 + rng.Intn(8)
	}
	code := riscv.MustAssemble(riscv.RandomProgramWith(rng, 1+rng.Intn(f.length), opts)...)
	var regs [32]uint64
	for i := range regs {
		regs[i] = rng.Uint64() >> uint(rng.Intn(64))
	}
	regs[rv64.RegSP] = rv64.RAMBase + dataOffset - 64
	regs[8] = rv64.RAMBase + dataOffset

	img := loader.Raw(rv64.RAMBase, code)
	want, err := f.run(f.interp, img, regs)
	if err != nil {
		return err
	}
	got, err := f.run(f.native, img, regs)
	if err != nil {
		return err
	}

	fail := func(format string, args ...any) error {
		return &mismatch{seed: seed, code: code, what: fmt.Sprintf(format, args...)}
	}
	if diff := cmp.Diff(want.cpu, got.cpu); diff != "" {
		return fail("cpu mismatch (-interp +jit):\n%s", diff)
	}
	if !sameError(want.err, got.err) {
		return fail("err=%v, want %v", got.err, want.err)
	}
	if !bytes.Equal(want.mem, got.mem) {
		return fail("guest memory differs")
	}
	return nil
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	var fa, fb *rv64.Fault
	if errors.As(a, &fa) && errors.As(b, &fb) {
		return *fa == *fb
	}
	return errors.Is(a, rv64.ErrHalt) == errors.Is(b, rv64.ErrHalt)
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	n := fs.Int("n", 1000, "Number of programs to run")
	seed := fs.Int64("seed", 0, "Base seed (0 picks one from the clock)")
	length := fs.Int("len", 40, "Maximum program length in instructions")
	limit := fs.Uint64("limit", 10000, "Instruction limit per program")
	maxBlock := fs.Int("max-block", 0, "Maximum instructions per compiled block (0 for the default)")
	memoryMB := fs.Uint64("memory", 1, "Guest RAM in MiB")
	replay := fs.Int64("replay", 0, "Run only the program with this seed")
	save := fs.String("save", "", "Directory to write the failing program to")
	calls := fs.Bool("calls", false, "Wrap programs in a loop calling them through jal and jalr")
	rvc := fs.Bool("rvc", false, "Mix compressed instructions into programs")
	verbose := fs.Bool("v", false, "Log engine activity")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if !jit.Supported() {
		return jit.ErrNativeUnsupported
	}
	if *length < 1 {
		return fmt.Errorf("-len must be positive")
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	f, err := newFuzzer(*memoryMB, *maxBlock, *rvc)
	if err != nil {
		return err
	}
	defer f.Close()
	f.length = *length
	f.limit = *limit
	f.calls = *calls

	if *replay != 0 {
		return f.once(*replay)
	}

	fmt.Fprintf(os.Stderr, "rvfuzz: seed %d\n", *seed)
	seeds := rand.New(rand.NewSource(*seed))

	pb := progressbar.Default(int64(*n))
	defer pb.Close()

	for i := 0; i < *n; i++ {
		err := f.once(seeds.Int63())
		var mm *mismatch
		if errors.As(err, &mm) {
			pb.Finish()
			fmt.Fprintf(os.Stderr, "\nrvfuzz: program %d disagrees, rerun with -replay %d\n", i, mm.seed)
			if *save != "" {
				path := filepath.Join(*save, fmt.Sprintf("rvfuzz-%d.bin", mm.seed))
				if err := os.WriteFile(path, mm.code, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "rvfuzz: wrote %s\n", path)
			}
			return mm
		} else if err != nil {
			return err
		}
		pb.Add(1)
	}

	st := f.native.Stats()
	slog.Info("fuzz complete",
		"programs", *n,
		"blocks", st.BlocksCompiled,
		"chains", st.ChainsPatched,
		"fallbacks", st.Fallbacks,
		"resets", st.Resets,
	)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvfuzz: %v\n", err)
		os.Exit(1)
	}
}
