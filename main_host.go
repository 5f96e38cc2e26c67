package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"hzn/app"
	"hzn/hal"
)

func main() {
	var (
		hcfg hal.HeadlessConfig
		cfg  app.Config
	)
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 60, "Frame rate in headless mode.")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N frames in headless mode (0 = until all threads exit).")
	flag.StringVar(&cfg.Scenario, "scenario", "", "Lua scenario file (default: built-in scenario).")
	flag.IntVar(&cfg.Cores, "cores", 0, "Override the scenario's core count.")
	flag.IntVar(&cfg.Speed, "speed", 1, "Emulator ticks per host millisecond.")
	flag.BoolVar(&cfg.Paused, "paused", false, "Start paused.")
	flag.BoolVar(&cfg.Trace, "trace", false, "Log every completed guest op.")
	flag.Parse()

	if hcfg.Enabled {
		cfg.Headless = true
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := hal.RunHeadless(ctx, func(h hal.HAL) func() error {
			return app.NewWithConfig(h, cfg)
		}, hcfg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := hal.RunWindow(func(h hal.HAL) func() error {
		return app.NewWithConfig(h, cfg)
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
