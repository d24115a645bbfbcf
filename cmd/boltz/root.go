package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/version"
)

var (
	paramsFile string
	verbosity  int
	quiet      bool
	jobsFlag   int
	presetFlag string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "boltz",
	Short: "boltz - linear Einstein-Boltzmann solver",
	Long: `boltz computes the linear evolution of cosmological perturbations:
background and ionization histories, transfer functions, CMB angular
spectra and the (linear or halofit-corrected) matter power spectrum.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate("boltz version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&paramsFile, "params", "p", "",
		"parameter file (.toml, .yaml or .json); defaults apply when omitted")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"log errors only")
	rootCmd.PersistentFlags().IntVarP(&jobsFlag, "jobs", "j", 0,
		"worker pool size (0 = one per CPU)")
	rootCmd.PersistentFlags().StringVar(&presetFlag, "precision", "",
		"precision preset: fast, default or high")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"also append run logs to this file")
}

func newLogger() *slog.Logger {
	level := logging.LevelFromVerbosity(verbosity, quiet)
	if logFile == "" {
		return logging.NewLogger(os.Stderr, level)
	}
	f, err := logging.OpenLogFile(logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log file:", err)
		return logging.NewLogger(os.Stderr, level)
	}
	return logging.NewTeeLogger(level, os.Stderr, f)
}

// resolveConfig loads the parameter file (or the defaults), then layers
// the precision preset and worker-count flags on top.
func resolveConfig() (*params.Config, error) {
	cfg := params.DefaultConfig()
	if paramsFile != "" {
		var err error
		cfg, err = params.Load(paramsFile)
		if err != nil {
			return nil, err
		}
	}
	if presetFlag != "" {
		prec, err := params.Preset(presetFlag)
		if err != nil {
			return nil, err
		}
		cfg.Precision = prec
	}
	if jobsFlag > 0 {
		cfg.Jobs = jobsFlag
	}
	return cfg, nil
}
