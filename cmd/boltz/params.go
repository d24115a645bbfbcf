package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"boltz/internal/params"
)

var paramsInitOut string

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Inspect and scaffold parameter files",
}

var paramsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a canonical params.toml with every default",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := params.DefaultConfig()
		if err := cfg.WriteTOML(paramsInitOut); err != nil {
			return err
		}
		fmt.Println("wrote", paramsInitOut)
		return nil
	},
}

var paramsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Load, validate and echo the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		c := cfg.Cosmology
		fmt.Printf("h0 = %g, omega_b = %g, omega_cdm = %g, omega_k = %g\n",
			c.H0, c.OmegaB, c.OmegaCDM, c.OmegaK)
		fmt.Printf("n_ur = %g, ncdm masses = %v eV\n", c.NUr, c.NcdmMasses)
		fmt.Printf("primordial: A_s = %g, n_s = %g, k_pivot = %g\n",
			cfg.Primordial.As, cfg.Primordial.Ns, cfg.Primordial.KPivot)
		fmt.Printf("output: l_max = %d, k_max_pk = %g, nonlinear = %s, lensed = %v\n",
			cfg.Output.LMax, cfg.Output.KMax, cfg.Output.Nonlinear, cfg.Output.Lensed)
		fmt.Printf("precision preset: %s\n", cfg.Precision.Preset)
		return nil
	},
}

var paramsPresetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the available precision presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range params.PresetNames() {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	paramsInitCmd.Flags().StringVarP(&paramsInitOut, "out", "o", "params.toml",
		"destination file")
	paramsCmd.AddCommand(paramsInitCmd)
	paramsCmd.AddCommand(paramsShowCmd)
	paramsCmd.AddCommand(paramsPresetsCmd)
	rootCmd.AddCommand(paramsCmd)
}
