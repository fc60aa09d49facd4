package archive

import (
	"bytes"
	"testing"

	"github.com/pierrec/lz4/v3"
	"github.com/stretchr/testify/require"
)

func TestLZ4CodecRoundTrips(t *testing.T) {
	c, err := NewCodec("lz4")
	require.NoError(t, err)
	src := bytes.Repeat([]byte("fragment-payload-bytes"), 64)

	compressed, err := c.Compress(src)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)

	r := lz4.NewReader(bytes.NewReader(compressed))
	got, err := readAll(r)
	require.NoError(t, err)
	require.Equal(t, src, got)
}

func TestBloscCodecProducesNonEmptyOutput(t *testing.T) {
	c, err := NewCodec("blosc")
	require.NoError(t, err)
	src := bytes.Repeat([]byte{0x01, 0x02}, 1000)

	compressed, err := c.Compress(src)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)
}

func TestByteShuffleIsReversible(t *testing.T) {
	src := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	shuffled := byteShuffle(src, 2)
	require.Len(t, shuffled, len(src))
	// unshuffle manually and compare
	n := len(src) / 2
	out := make([]byte, len(src))
	for i := 0; i < n; i++ {
		out[2*i] = shuffled[i]
		out[2*i+1] = shuffled[n+i]
	}
	out[2*n] = shuffled[2*n]
	require.Equal(t, src, out)
}

func TestUnknownCompressorRejected(t *testing.T) {
	_, err := NewCodec("zstd-but-not-really")
	require.Error(t, err)
}

func readAll(r *lz4.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}
