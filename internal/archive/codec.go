// Package archive implements the chunked, compressed, atomically-published
// on-disk layout described in spec.md sections 4.4 and 6.
package archive

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4/v3"
)

// Codec compresses one chunk's concatenated fragment bytes.
type Codec interface {
	Name() string
	Compress(src []byte) ([]byte, error)
}

// NewCodec selects a Codec by the `compressor` option value.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "lz4":
		return lz4Codec{}, nil
	case "blosc":
		return bloscCodec{}, nil
	default:
		return nil, fmt.Errorf("archive: unknown compressor %q", name)
	}
}

// lz4Codec wraps github.com/pierrec/lz4/v3 in frame mode: 256 KiB blocks,
// no checksum, default compression level, no autoflush. Blocks are not
// linked: the v3 writer compresses each block independently.
type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	w.Header = lz4.Header{
		BlockMaxSize:  256 << 10,
		BlockChecksum: false,
		NoChecksum:    true,
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("archive: lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("archive: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// bloscCodec approximates blosc's shuffle+lz4 pipeline (spec.md section 6:
// "level 5, byte-shuffle, inner codec lz4, 2 threads"). The pack carries no
// cgo-free blosc binding, so the byte-shuffle filter is hand-rolled against
// the standard library (justified in DESIGN.md) and the actual entropy
// coding stage reuses the same lz4 writer as lz4Codec — matching blosc's
// own architecture of "filter, then compress blocks with a pluggable
// codec" even though the two outputs are not bit-compatible with a real
// blosc stream. When the lz4 stage does not come out smaller than the
// input, the shuffled bytes are deflated with klauspost/compress's flate
// instead; this choice is made once for the whole chunk buffer, not per
// block.
type bloscCodec struct{}

func (bloscCodec) Name() string { return "blosc" }

const bloscTypeSize = 2 // uint16 samples dominate fragment payloads

func (bloscCodec) Compress(src []byte) ([]byte, error) {
	shuffled := byteShuffle(src, bloscTypeSize)

	var lzOut bytes.Buffer
	w := lz4.NewWriter(&lzOut)
	w.Header = lz4.Header{CompressionLevel: 5}
	if _, err := w.Write(shuffled); err != nil {
		return nil, fmt.Errorf("archive: blosc lz4 stage write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("archive: blosc lz4 stage close: %w", err)
	}

	if lzOut.Len() < len(src) {
		return lzOut.Bytes(), nil
	}

	var flateOut bytes.Buffer
	fw, err := flate.NewWriter(&flateOut, 5)
	if err != nil {
		return nil, fmt.Errorf("archive: blosc flate fallback: %w", err)
	}
	if _, err := fw.Write(shuffled); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return flateOut.Bytes(), nil
}

// byteShuffle reorders bytes so that the i-th byte of every typeSize-byte
// element is grouped together, the transform blosc applies before
// compression to expose cross-sample byte-plane redundancy.
func byteShuffle(src []byte, typeSize int) []byte {
	n := len(src) / typeSize
	rem := len(src) % typeSize
	out := make([]byte, len(src))
	for plane := 0; plane < typeSize; plane++ {
		for i := 0; i < n; i++ {
			out[plane*n+i] = src[i*typeSize+plane]
		}
	}
	copy(out[typeSize*n:], src[typeSize*n:typeSize*n+rem])
	return out
}
