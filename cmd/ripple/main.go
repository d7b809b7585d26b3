// The ripple program measures power-supply ripple: it steps an electronic load
// through a list of currents and captures the supply output on an oscilloscope
// at each step.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/viper"
	"github.com/usnistgov/daqstream"
)

func main() {
	configFile := flag.String("config", "", "config file holding a \"ripple\" section (default ~/.daqstream/config.yaml)")
	load := flag.String("load", "", "electronic load address, overrides ripple.loadaddress")
	scope := flag.String("scope", "", "oscilloscope address, overrides ripple.scopeaddress")
	plotdir := flag.String("plots", "", "write one PNG per step into this directory")
	flag.Parse()

	if *configFile != "" {
		viper.SetConfigFile(*configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".daqstream"))
		}
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("No config file read (%v); using defaults and flags\n", err)
	}

	cfg := daqstream.DefaultRippleConfig()
	if err := viper.UnmarshalKey("ripple", &cfg); err != nil {
		fmt.Printf("Could not read ripple configuration: %v\n", err)
		os.Exit(1)
	}
	if *load != "" {
		cfg.LoadAddress = *load
	}
	if *scope != "" {
		cfg.ScopeAddress = *scope
	}
	if *plotdir != "" {
		cfg.PlotDir = *plotdir
	}
	if cfg.LoadAddress == "" || cfg.ScopeAddress == "" {
		fmt.Println("Both a load address and a scope address are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Printf("Ripple measurement failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg daqstream.RippleConfig) error {
	lt, err := daqstream.DialTCP(ctx, cfg.LoadAddress, cfg.Timeout)
	if err != nil {
		return err
	}
	load := daqstream.NewLoad(lt)
	defer load.Close()

	st, err := daqstream.DialTCP(ctx, cfg.ScopeAddress, cfg.Timeout)
	if err != nil {
		return err
	}
	scope := daqstream.NewScopeDriver(st, cfg.ScopeChannel)
	defer scope.Close()

	for name, inst := range map[string]interface {
		Identify(context.Context) (string, error)
	}{"load": load, "scope": scope} {
		id, err := inst.Identify(ctx)
		if err != nil {
			return fmt.Errorf("identify %s: %w", name, err)
		}
		fmt.Printf("%-5s: %s\n", name, id)
	}

	results, err := daqstream.RippleSweep(ctx, load, scope, cfg)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "Current (A)\tPeak-to-peak (mV)\tRMS (mV)\tMean (V)\tSamples\t")
	for _, r := range results {
		fmt.Fprintf(w, "%.3f\t%.3f\t%.3f\t%.4f\t%d\t\n", r.Current,
			1000*r.Stats.PeakToPeak, 1000*r.Stats.RMS, r.Stats.Mean, r.Stats.N)
	}
	w.Flush()
	return err
}
