package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"videoQA/core"
)

const (
	flatMagic   = "VQFL"
	flatVersion = uint32(1)
)

// FlatIndex is an exact L2 index held in memory. Rows keep insertion order,
// so ordinal i maps to entry i of the parallel text list.
type FlatIndex struct {
	dim  int
	data []float32 // len = n*dim
}

// NewFlatIndex copies vectors into a new index. All vectors must share the
// same dimension; dim is only consulted when vectors is empty.
func NewFlatIndex(dim int, vectors [][]float32) (*FlatIndex, error) {
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	idx := &FlatIndex{dim: dim, data: make([]float32, 0, len(vectors)*dim)}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), dim)
		}
		idx.data = append(idx.data, v...)
	}
	return idx, nil
}

func (f *FlatIndex) Len() int {
	if f.dim == 0 {
		return 0
	}
	return len(f.data) / f.dim
}

func (f *FlatIndex) Dim() int { return f.dim }

// Search 暴力计算 L2 距离，返回最近的 k 个
func (f *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]core.SearchHit, error) {
	n := f.Len()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != f.dim {
		return nil, fmt.Errorf("query has dimension %d, index has %d", len(query), f.dim)
	}
	hits := make([]core.SearchHit, n)
	for i := 0; i < n; i++ {
		row := f.data[i*f.dim : (i+1)*f.dim]
		var sum float64
		for j, q := range query {
			d := float64(q - row[j])
			sum += d * d
		}
		hits[i] = core.SearchHit{Ordinal: i, Distance: float32(sum)}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Distance < hits[b].Distance })
	if k < n {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *FlatIndex) Vectors(ctx context.Context) ([][]float32, error) {
	out := make([][]float32, f.Len())
	for i := range out {
		v := make([]float32, f.dim)
		copy(v, f.data[i*f.dim:])
		out[i] = v
	}
	return out, nil
}

// MarshalBinary: magic, version, dim, count, then little-endian float32 rows.
func (f *FlatIndex) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 16+4*len(f.data)))
	buf.WriteString(flatMagic)
	hdr := [3]uint32{flatVersion, uint32(f.dim), uint32(f.Len())}
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	row := make([]byte, 4)
	for _, v := range f.data {
		binary.LittleEndian.PutUint32(row, math.Float32bits(v))
		buf.Write(row)
	}
	return buf.Bytes(), nil
}

// DecodeFlatIndex parses the output of MarshalBinary.
func DecodeFlatIndex(data []byte) (*FlatIndex, error) {
	if len(data) < 16 || string(data[:4]) != flatMagic {
		return nil, fmt.Errorf("%w: not a flat index", core.ErrBundleCorrupt)
	}
	version := binary.LittleEndian.Uint32(data[4:])
	dim := int(binary.LittleEndian.Uint32(data[8:]))
	count := int(binary.LittleEndian.Uint32(data[12:]))
	if version != flatVersion {
		return nil, fmt.Errorf("%w: flat index version %d", core.ErrBundleCorrupt, version)
	}
	body := data[16:]
	if len(body) != dim*count*4 {
		return nil, fmt.Errorf("%w: flat index body is %d bytes, header says %dx%d", core.ErrBundleCorrupt, len(body), count, dim)
	}
	idx := &FlatIndex{dim: dim, data: make([]float32, dim*count)}
	for i := range idx.data {
		idx.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return idx, nil
}

// FlatBuilder builds in-process indexes.
type FlatBuilder struct {
	// Dim is used for empty vector sets.
	Dim int
}

func (b FlatBuilder) Build(ctx context.Context, name string, vectors [][]float32) (core.VectorIndex, error) {
	return NewFlatIndex(b.Dim, vectors)
}
