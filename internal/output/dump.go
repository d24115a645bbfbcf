package output

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/klauspost/compress/zstd"

	"boltz/internal/perturb"
	"boltz/internal/transfer"
)

// The dump format is a zstd stream holding a small JSON header (block
// names and shapes) followed by the raw little-endian float64 blocks in
// header order. It exists for inspection and offline analysis; a run
// never reads a dump back to compute.

const dumpMagic = "boltzdump1"

type dumpHeader struct {
	Magic  string      `json:"magic"`
	Blocks []dumpBlock `json:"blocks"`
}

type dumpBlock struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// Dump is the neutral in-memory form of a dumped table set: named
// matrices plus their axis vectors (stored as 1-row blocks).
type Dump struct {
	Blocks map[string][][]float64
}

// Vector returns a 1-row block as a slice.
func (d *Dump) Vector(name string) []float64 {
	b := d.Blocks[name]
	if len(b) != 1 {
		return nil
	}
	return b[0]
}

// WriteSources dumps the perturbation source tables.
func WriteSources(w io.Writer, src *perturb.Sources) error {
	blocks := map[string][][]float64{
		"k":   {src.Ks},
		"tau": {src.Taus},
	}
	for kind := perturb.Kind(0); kind < perturb.KindCount; kind++ {
		if src.Has(kind) {
			blocks["source_"+kind.String()] = src.Rows(kind)
		}
	}
	return writeDump(w, blocks)
}

// WriteFunctions dumps the transfer functions.
func WriteFunctions(w io.Writer, fn *transfer.Functions) error {
	ls := make([]float64, len(fn.Ls))
	for i, l := range fn.Ls {
		ls[i] = float64(l)
	}
	blocks := map[string][][]float64{
		"l": {ls},
		"q": {fn.Qs},
		"k": {fn.Ks},
	}
	if fn.T != nil {
		blocks["transfer_t"] = fn.T
	}
	if fn.E != nil {
		blocks["transfer_e"] = fn.E
	}
	if fn.Phi != nil {
		blocks["transfer_phi"] = fn.Phi
	}
	return writeDump(w, blocks)
}

func writeDump(w io.Writer, blocks map[string][][]float64) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}

	hdr := dumpHeader{Magic: dumpMagic}
	names := sortedNames(blocks)
	for _, name := range names {
		m := blocks[name]
		cols := 0
		if len(m) > 0 {
			cols = len(m[0])
		}
		hdr.Blocks = append(hdr.Blocks, dumpBlock{Name: name, Rows: len(m), Cols: cols})
	}
	hb, err := json.Marshal(hdr)
	if err != nil {
		zw.Close()
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := zw.Write(lenBuf[:]); err != nil {
		zw.Close()
		return err
	}
	if _, err := zw.Write(hb); err != nil {
		zw.Close()
		return err
	}

	buf := make([]byte, 8)
	for _, name := range names {
		for _, row := range blocks[name] {
			for _, v := range row {
				binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
				if _, err := zw.Write(buf); err != nil {
					zw.Close()
					return err
				}
			}
		}
	}
	return zw.Close()
}

// ReadDump loads a dump written by WriteSources or WriteFunctions.
func ReadDump(r io.Reader) (*Dump, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(zr, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("dump header length: %w", err)
	}
	hb := make([]byte, binary.LittleEndian.Uint64(lenBuf[:]))
	if _, err := io.ReadFull(zr, hb); err != nil {
		return nil, fmt.Errorf("dump header: %w", err)
	}
	var hdr dumpHeader
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return nil, fmt.Errorf("dump header: %w", err)
	}
	if hdr.Magic != dumpMagic {
		return nil, fmt.Errorf("not a boltz dump (magic %q)", hdr.Magic)
	}

	d := &Dump{Blocks: make(map[string][][]float64, len(hdr.Blocks))}
	buf := make([]byte, 8)
	for _, b := range hdr.Blocks {
		m := make([][]float64, b.Rows)
		for i := range m {
			row := make([]float64, b.Cols)
			for j := range row {
				if _, err := io.ReadFull(zr, buf); err != nil {
					return nil, fmt.Errorf("dump block %s: %w", b.Name, err)
				}
				row[j] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
			}
			m[i] = row
		}
		d.Blocks[b.Name] = m
	}
	return d, nil
}

func sortedNames(blocks map[string][][]float64) []string {
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
