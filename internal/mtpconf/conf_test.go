package mtpconf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseOverrides(t *testing.T) {
	o, err := Parse("max-chunk-bytes=2M,io-timeout-ms=5000,disable-partial-write=true")
	require.NoError(t, err)
	require.NotNil(t, o.MaxChunkBytes)
	require.Equal(t, int64(2*1024*1024), *o.MaxChunkBytes)
	require.NotNil(t, o.IOTimeout)
	require.Equal(t, 5*time.Second, *o.IOTimeout)
	require.NotNil(t, o.DisablePartialWrite)
	require.True(t, *o.DisablePartialWrite)
}

func TestParseEmpty(t *testing.T) {
	o, err := Parse("")
	require.NoError(t, err)
	require.Nil(t, o.MaxChunkBytes)
}

func TestParseUnknownKey(t *testing.T) {
	_, err := Parse("bogus-key=1")
	require.Error(t, err)
}

func TestParseSizeSuffixes(t *testing.T) {
	o, err := Parse("max-chunk-bytes=128k")
	require.NoError(t, err)
	require.Equal(t, int64(128*1024), *o.MaxChunkBytes)
}
