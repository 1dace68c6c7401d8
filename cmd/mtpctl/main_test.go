package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexpevzner/mtpgo/internal/mtperr"
)

func TestExtractOverridesNoFlag(t *testing.T) {
	o, rest, err := extractOverrides([]string{"info", "0123:4567"})
	require.NoError(t, err)
	require.Equal(t, []string{"info", "0123:4567"}, rest)
	require.Nil(t, o.MaxChunkBytes)
}

func TestExtractOverridesParsesAndStrips(t *testing.T) {
	o, rest, err := extractOverrides([]string{"-overrides=max-chunk-bytes=65536", "info", "0123:4567"})
	require.NoError(t, err)
	require.Equal(t, []string{"info", "0123:4567"}, rest)
	require.NotNil(t, o.MaxChunkBytes)
	require.EqualValues(t, 65536, *o.MaxChunkBytes)
}

func TestExtractOverridesMidArgs(t *testing.T) {
	o, rest, err := extractOverrides([]string{"ls", "-overrides=disable-partial-read=true", "0123:4567", "1", "0"})
	require.NoError(t, err)
	require.Equal(t, []string{"ls", "0123:4567", "1", "0"}, rest)
	require.NotNil(t, o.DisablePartialRead)
	require.True(t, *o.DisablePartialRead)
}

func TestExtractOverridesBadValue(t *testing.T) {
	_, _, err := extractOverrides([]string{"-overrides=nonsense"})
	require.Error(t, err)
	_, ok := err.(usageError)
	require.True(t, ok)
}

func TestParseHex32(t *testing.T) {
	require.EqualValues(t, 0x1a2b, parseHex32("1a2b"))
	require.EqualValues(t, 0x1a2b, parseHex32("0x1a2b"))
	require.EqualValues(t, 0x1a2b, parseHex32("0X1A2B"))
	require.EqualValues(t, 0, parseHex32(""))
}

func TestExitCodeForUsageError(t *testing.T) {
	require.Equal(t, exitUsage, exitCodeFor(usageErr("bad args")))
}

func TestExitCodeForNoDevice(t *testing.T) {
	require.Equal(t, exitUnavailable, exitCodeFor(mtperr.New(mtperr.KindNoDevice, nil)))
}

func TestExitCodeForDeviceBusyIsRetryable(t *testing.T) {
	require.Equal(t, exitRetry, exitCodeFor(mtperr.New(mtperr.KindDeviceBusy, nil)))
}

func TestExitCodeForGenericErrorIsSoftware(t *testing.T) {
	require.Equal(t, exitSoftware, exitCodeFor(mtperr.New(mtperr.KindIO, nil)))
}
