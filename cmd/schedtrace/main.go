// Command schedtrace runs a scenario without a display and prints the
// trace of completed guest ops followed by the final wait tree.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"golang.org/x/term"

	"hzn/debugger/waittree"
	"hzn/guest"
	"hzn/internal/buildinfo"
	"hzn/kernel"
	"hzn/scenario"
	"hzn/system"
)

type options struct {
	scenario string
	ticks    uint64
	slice    int
	cores    int
	width    int
	quiet    bool
	dump     bool
}

func main() {
	var opt options
	flag.StringVar(&opt.scenario, "scenario", "", "Lua scenario file (default: built-in scenario).")
	flag.Uint64Var(&opt.ticks, "ticks", 100000, "Give up after N ticks (0 = no limit).")
	flag.IntVar(&opt.slice, "slice", 0, "Override the per-tick core budget.")
	flag.IntVar(&opt.cores, "cores", 0, "Override the scenario's core count.")
	flag.IntVar(&opt.width, "width", 0, "Cut wait tree lines at N columns (default: terminal width).")
	flag.BoolVar(&opt.quiet, "q", false, "Only print the final wait tree.")
	flag.BoolVar(&opt.dump, "dump", false, "Print the scenario source and exit.")
	version := flag.Bool("version", false, "Print build information and exit.")
	flag.Parse()

	if *version {
		fmt.Println(buildinfo.String())
		return
	}

	if opt.dump {
		if err := dump(os.Stdout, opt.scenario); err != nil {
			fatalf("%v", err)
		}
		return
	}
	if opt.width == 0 && term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			opt.width = w
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := bufio.NewWriter(os.Stdout)
	err := run(ctx, out, opt)
	if ferr := out.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "schedtrace: "+format+"\n", args...)
	os.Exit(1)
}

func dump(w io.Writer, path string) error {
	if path == "" {
		_, err := io.WriteString(w, scenario.DefaultSource())
		return err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = w.Write(src)
	return err
}

// writerLogger adapts an io.Writer to the kernel and executor loggers.
type writerLogger struct{ w io.Writer }

func (l writerLogger) WriteLineString(s string) { fmt.Fprintln(l.w, s) }

func run(ctx context.Context, w io.Writer, opt options) error {
	spec, err := scenario.LoadFile(opt.scenario)
	if err != nil {
		return err
	}
	cores, slice := spec.Cores, spec.Slice
	if opt.cores > 0 {
		cores = opt.cores
	}
	if opt.slice > 0 {
		slice = opt.slice
	}

	var log guest.Logger
	if !opt.quiet {
		log = writerLogger{w}
	}
	sys := system.New(system.Config{Cores: cores, Slice: slice, Tick: spec.Tick, SkipIdle: true})
	exec := guest.NewExecutor(sys.Kernel(), sys.Now, log)
	if !opt.quiet {
		exec.OnEvent = func(ev guest.Event) { fmt.Fprintln(w, ev) }
	}
	sys.SetExecutor(exec)
	sc, err := spec.Build(sys.Kernel(), exec)
	if err != nil {
		return err
	}

	runErr := sys.Run(ctx, opt.ticks)
	st := sys.Stats()
	fmt.Fprintf(w, "\n%s: %d ticks (%d idle), %d units, %d requests served, %d timers fired\n\n",
		spec.Name, st.Ticks, st.IdleTicks, st.Units, st.Served, st.Fired)

	snap := waittree.Take(sys.Kernel(), waittree.Options{
		Now:      sys.Now,
		PC:       exec.PC,
		AddrName: func(_ *kernel.Process, addr uint64) string { return sc.Image.NameOf(addr) },
	})
	io.WriteString(w, snap.Render(opt.width))

	switch {
	case runErr == nil && !sys.Done():
		return fmt.Errorf("%s: still running after %d ticks", spec.Name, st.Ticks)
	case errors.Is(runErr, system.ErrStalled):
		return fmt.Errorf("%s: deadlock: %d threads blocked forever", spec.Name, len(snap.Blocked()))
	}
	return runErr
}
