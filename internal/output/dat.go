package output

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"boltz/internal/lensing"
	"boltz/internal/spectra"
)

const (
	colWidth  = 16
	sciDigits = 7
)

// WriteCl writes the angular spectra as a text table, one row per
// integer multipole, columns for every computed spectrum. Values carry
// the conventional l(l+1)/2pi scaling and stay dimensionless.
func WriteCl(w io.Writer, s *spectra.Spectra) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# dimensionless unlensed spectra, scaled by l(l+1)/2pi")

	cols := []struct {
		name string
		arr  []float64
	}{
		{"TT", s.TT},
		{"EE", s.EE},
		{"TE", s.TE},
		{"phiphi", s.PhiPhi},
		{"Tphi", s.TPhi},
	}
	header := Column("l", 6)
	for _, c := range cols {
		if c.arr != nil {
			header += Column(c.name, colWidth)
		}
	}
	fmt.Fprintln(bw, "#"+header[1:])

	for l := 2; l <= s.LMax; l++ {
		scale := float64(l) * float64(l+1) / (2 * math.Pi)
		row := Column(fmt.Sprint(l), 6)
		for _, c := range cols {
			if c.arr != nil {
				row += Column(FormatScientific(scale*c.arr[l], sciDigits), colWidth)
			}
		}
		fmt.Fprintln(bw, row)
	}
	return bw.Flush()
}

// WriteLensedCl writes the lensed spectra table.
func WriteLensedCl(w io.Writer, lensed *lensing.Lensed) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# dimensionless lensed spectra, scaled by l(l+1)/2pi")

	cols := []struct {
		name string
		arr  []float64
	}{
		{"TT", lensed.TT},
		{"EE", lensed.EE},
		{"BB", lensed.BB},
		{"TE", lensed.TE},
	}
	header := Column("l", 6)
	for _, c := range cols {
		if c.arr != nil {
			header += Column(c.name, colWidth)
		}
	}
	fmt.Fprintln(bw, "#"+header[1:])

	for l := 2; l <= lensed.LMax; l++ {
		scale := float64(l) * float64(l+1) / (2 * math.Pi)
		row := Column(fmt.Sprint(l), 6)
		for _, c := range cols {
			if c.arr != nil {
				row += Column(FormatScientific(scale*c.arr[l], sciDigits), colWidth)
			}
		}
		fmt.Fprintln(bw, row)
	}
	return bw.Flush()
}

// WritePk writes a matter power table, one block per redshift with the
// redshift in a comment line, columns k [1/Mpc] and P [Mpc^3].
func WritePk(w io.Writer, m *spectra.MatterTable) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# matter power spectrum, k in 1/Mpc, P in Mpc^3")
	for iz, z := range m.Zs {
		fmt.Fprintf(bw, "# z = %s\n", FormatScientific(z, 4))
		for i, k := range m.Ks {
			fmt.Fprintln(bw, Column(FormatScientific(k, sciDigits), colWidth)+
				Column(FormatScientific(m.P[iz][i], sciDigits), colWidth))
		}
	}
	return bw.Flush()
}
