package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"boltz/internal/output"
	"boltz/internal/pipeline"
	"boltz/internal/store"
)

var (
	computeOutDir  string
	computeCatalog string
	computeDump    bool
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Run the full pipeline and write the requested spectra",
	RunE:  runCompute,
}

func init() {
	computeCmd.Flags().StringVarP(&computeOutDir, "output-dir", "o", ".",
		"directory the .dat files are written to")
	computeCmd.Flags().StringVar(&computeCatalog, "catalog", "",
		"sqlite catalog to record the run in (e.g. runs.db)")
	computeCmd.Flags().BoolVar(&computeDump, "dump", false,
		"also dump the source and transfer tables (zstd)")
	rootCmd.AddCommand(computeCmd)
}

func runCompute(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx := context.Background()
	r, err := p.Run(ctx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(computeOutDir, 0o755); err != nil {
		return err
	}
	products := make(map[string][]byte)
	write := func(name string, render func(f *os.File) error) error {
		path := filepath.Join(computeOutDir, name)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := render(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		products[name] = data
		fmt.Println("wrote", path)
		return nil
	}

	if r.Spectra.TT != nil || r.Spectra.PhiPhi != nil {
		if err := write("cl.dat", func(f *os.File) error {
			return output.WriteCl(f, r.Spectra)
		}); err != nil {
			return err
		}
	}
	if r.Lensed != nil {
		if err := write("cl_lensed.dat", func(f *os.File) error {
			return output.WriteLensedCl(f, r.Lensed)
		}); err != nil {
			return err
		}
	}
	if r.Spectra.Pk != nil {
		if err := write("pk.dat", func(f *os.File) error {
			return output.WritePk(f, r.Spectra.Pk)
		}); err != nil {
			return err
		}
	}
	if r.NonlinearPk != nil {
		if err := write("pk_nl.dat", func(f *os.File) error {
			return output.WritePk(f, r.NonlinearPk)
		}); err != nil {
			return err
		}
	}

	if computeDump {
		src, err := p.Sources(ctx)
		if err != nil {
			return err
		}
		if err := write("sources.zst", func(f *os.File) error {
			return output.WriteSources(f, src)
		}); err != nil {
			return err
		}
		if fn, err := p.Transfer(ctx); err != nil {
			return err
		} else if fn != nil {
			if err := write("transfer.zst", func(f *os.File) error {
				return output.WriteFunctions(f, fn)
			}); err != nil {
				return err
			}
		}
	}

	printReport(r)

	if computeCatalog != "" {
		db, err := store.Open(computeCatalog, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		id, err := db.SaveRun(cfg, r.Derived, products)
		if err != nil {
			return err
		}
		fmt.Println("cataloged run", id)
	}
	return nil
}

func printReport(r *pipeline.Result) {
	d := r.Derived
	fmt.Println("derived parameters:")
	fmt.Printf("  z_rec        = %.2f\n", d.ZRec)
	fmt.Printf("  rs(rec)      = %.3f Mpc\n", d.RsRec)
	fmt.Printf("  100 theta_s  = %.5f\n", d.Theta100)
	fmt.Printf("  z_drag       = %.2f\n", d.ZDrag)
	fmt.Printf("  rs(drag)     = %.3f Mpc\n", d.RsDrag)
	fmt.Printf("  z_reio       = %.2f\n", d.ZReio)
	fmt.Printf("  tau_reio     = %.4f\n", d.TauReio)
	fmt.Printf("  conformal age= %.1f Mpc\n", d.ConformalAge)
	fmt.Printf("  age          = %.3f Gyr\n", d.AgeGyr)
	if d.Sigma8 > 0 {
		fmt.Printf("  sigma8       = %.4f\n", d.Sigma8)
	}
}
