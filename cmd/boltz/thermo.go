package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"boltz/internal/output"
	"boltz/internal/pipeline"
)

var thermoOut string

var thermoCmd = &cobra.Command{
	Use:   "thermo",
	Short: "Solve and write the ionization history only",
	RunE:  runThermo,
}

func init() {
	thermoCmd.Flags().StringVarP(&thermoOut, "out", "o", "thermo.dat",
		"output file")
	rootCmd.AddCommand(thermoCmd)
}

func runThermo(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, logger)
	if err != nil {
		return err
	}
	th, err := p.Thermo(context.Background())
	if err != nil {
		return err
	}

	f, err := os.Create(thermoOut)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	cols := th.Cols()
	taus := th.Table().Grid()
	named := []struct {
		name string
		j    int
	}{
		{"x_e", cols.Xe},
		{"kappa", cols.Kappa},
		{"kappa'", cols.DKappa},
		{"exp(-kappa)", cols.ExpMKappa},
		{"g", cols.G},
		{"T_b", cols.Tb},
		{"c_b^2", cols.Cb2},
	}

	fmt.Fprintln(w, "# ionization history, tau in Mpc")
	header := output.Column("tau", 16)
	for _, c := range named {
		header += output.Column(c.name, 16)
	}
	fmt.Fprintln(w, "#"+header[1:])
	for i, tau := range taus {
		row := output.Column(output.FormatScientific(tau, 7), 16)
		for _, c := range named {
			row += output.Column(output.FormatScientific(th.Table().Column(c.j)[i], 7), 16)
		}
		fmt.Fprintln(w, row)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	d := th.Derived
	fmt.Printf("z_rec = %.2f, z_star = %.2f, z_drag = %.2f, tau_reio = %.4f (%s)\n",
		d.ZRec, d.ZStar, d.ZDrag, d.TauReio, d.Provider)
	fmt.Println("wrote", thermoOut)
	return nil
}
