package compression

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_RoundTripsEveryAlgorithm(t *testing.T) {
	original := []byte(strings.Repeat(`{"id":1,"name":"users","active":true}`+"\n", 200))

	for _, algo := range []Algorithm{None, Gzip, Zstd, LZ4, Snappy, S2} {
		t.Run(string(algo), func(t *testing.T) {
			comp, err := NewCompressor(&Config{Algorithm: algo, Level: Default})
			require.NoError(t, err)
			assert.Equal(t, algo, comp.Algorithm())

			compressed, err := comp.Compress(original)
			require.NoError(t, err)
			if algo != None {
				assert.Less(t, len(compressed), len(original))
			}

			decompressed, err := comp.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)
		})
	}
}

func TestCompressor_SplitStreamConcatenates(t *testing.T) {
	comp, err := NewCompressor(&Config{Algorithm: Gzip, Level: Fastest})
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := comp.NewWriter(&buf)
	require.NoError(t, err)

	var parts [][]byte
	for i := 0; i < 3; i++ {
		_, err := w.Write([]byte(strings.Repeat("line\n", 1000)))
		require.NoError(t, err)
		parts = append(parts, append([]byte(nil), buf.Bytes()...))
		buf.Reset()
	}
	require.NoError(t, w.Close())
	parts = append(parts, buf.Bytes())

	decompressed, err := comp.Decompress(bytes.Join(parts, nil))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("line\n", 3000), string(decompressed))
}

func TestNewCompressor_UnknownAlgorithm(t *testing.T) {
	_, err := NewCompressor(&Config{Algorithm: "brotli"})
	assert.Error(t, err)
}

func TestLevelFromConfig(t *testing.T) {
	assert.Equal(t, Fastest, LevelFromConfig(1))
	assert.Equal(t, Default, LevelFromConfig(2))
	assert.Equal(t, Better, LevelFromConfig(3))
	assert.Equal(t, Best, LevelFromConfig(4))
}

func TestExtension(t *testing.T) {
	for algo, ext := range map[Algorithm]string{None: "", Gzip: ".gz", Zstd: ".zst", LZ4: ".lz4"} {
		comp, err := NewCompressor(&Config{Algorithm: algo})
		require.NoError(t, err)
		assert.Equal(t, ext, comp.Extension())
	}
}
