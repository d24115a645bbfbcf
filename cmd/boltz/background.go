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

var backgroundOut string

var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "Solve and write the background expansion history only",
	RunE:  runBackground,
}

func init() {
	backgroundCmd.Flags().StringVarP(&backgroundOut, "out", "o", "background.dat",
		"output file")
	rootCmd.AddCommand(backgroundCmd)
}

func runBackground(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, logger)
	if err != nil {
		return err
	}
	bg, err := p.Background(context.Background())
	if err != nil {
		return err
	}

	f, err := os.Create(backgroundOut)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	cols := bg.Cols()
	taus := bg.Table().Grid()
	named := []struct {
		name string
		j    int
	}{
		{"a", cols.A},
		{"H", cols.H},
		{"aH", cols.HConf},
		{"rho_g", cols.RhoG},
		{"rho_b", cols.RhoB},
		{"rho_cdm", cols.RhoCDM},
		{"rho_ur", cols.RhoUr},
		{"rho_de", cols.RhoDE},
		{"rs", cols.Rs},
		{"D", cols.GrowthD},
		{"f", cols.GrowthF},
	}

	fmt.Fprintln(w, "# background history, tau in Mpc, densities in 1/Mpc^2")
	header := output.Column("tau", 16)
	for _, c := range named {
		header += output.Column(c.name, 16)
	}
	fmt.Fprintln(w, "#"+header[1:])
	for i, tau := range taus {
		row := output.Column(output.FormatScientific(tau, 7), 16)
		for _, c := range named {
			row += output.Column(output.FormatScientific(bg.Table().Column(c.j)[i], 7), 16)
		}
		fmt.Fprintln(w, row)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	d := bg.Derived
	fmt.Printf("conformal age = %.1f Mpc, age = %.3f Gyr, z_eq = %.1f\n",
		d.TauToday, d.AgeGyr, d.ZEq)
	fmt.Println("wrote", backgroundOut)
	return nil
}
