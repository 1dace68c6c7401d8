package quirks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexpevzner/mtpgo/internal/mtptypes"
)

func writeQuirkFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestMatchByHWIDBeatsModelName(t *testing.T) {
	dir := t.TempDir()
	writeQuirkFile(t, dir, "a.quirk", `
[18d1:4ee1]
reset-on-open = true

[Nexus *]
write-to-subfolder-only = true
`)

	c, err := Load(dir)
	require.NoError(t, err)

	fp := mtptypes.Fingerprint{VendorID: 0x18d1, ProductID: 0x4ee1}
	rec, ok := c.Match(fp, "Nexus 5X")
	require.True(t, ok)
	require.True(t, rec.Flags.ResetOnOpen)
	require.False(t, rec.Flags.WriteToSubfolderOnly)
}

func TestMatchFallsBackToModelName(t *testing.T) {
	dir := t.TempDir()
	writeQuirkFile(t, dir, "a.quirk", `
[Nexus *]
write-to-subfolder-only = true
preferred-write-folder = Download
`)

	c, err := Load(dir)
	require.NoError(t, err)

	fp := mtptypes.Fingerprint{VendorID: 0x2717, ProductID: 0xff40}
	rec, ok := c.Match(fp, "Nexus 5X")
	require.True(t, ok)
	require.True(t, rec.Flags.WriteToSubfolderOnly)
	require.Equal(t, "Download", rec.Flags.PreferredWriteFolder)
}

func TestMatchNoneWhenNothingMatches(t *testing.T) {
	dir := t.TempDir()
	writeQuirkFile(t, dir, "a.quirk", "[18d1:4ee1]\nreset-on-open = true\n")

	c, err := Load(dir)
	require.NoError(t, err)

	_, ok := c.Match(mtptypes.Fingerprint{VendorID: 0x1, ProductID: 0x2}, "Unrelated")
	require.False(t, ok)
}

func TestLoadMissingDirIsNotError(t *testing.T) {
	_, err := Load("/does/not/exist")
	require.NoError(t, err)
}
