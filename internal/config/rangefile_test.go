package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const gCompressedHex = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
const gUncompressedHex = "0479be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f8179" +
	"8483ada7726a3c4655da4fbfc0e1108a8fd17b448a68554199c47d08ffb10d4b8"

func TestParsePubKeyHexAcceptsCompressedAndUncompressed(t *testing.T) {
	_, err := ParsePubKeyHex(gCompressedHex)
	require.NoError(t, err)

	_, err = ParsePubKeyHex(gUncompressedHex)
	require.NoError(t, err)
}

func TestParsePubKeyHexRejectsBadLength(t *testing.T) {
	_, err := ParsePubKeyHex("deadbeef")
	require.Error(t, err)
	var cfgErr *ErrConfigInvalid
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadRangeFileParsesMultiplePubkeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "range.txt")
	content := "0000000000000000000000000000000000000000000000000000000000000001\n" +
		"00000000000000000000000000000000000000000000000000000000000fffff\n" +
		gCompressedHex + "\n" + gCompressedHex + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	searches, err := LoadRangeFile(path)
	require.NoError(t, err)
	require.Len(t, searches, 2)
	require.Equal(t, searches[0].RangeStart, searches[1].RangeStart)
}

func TestLoadRangeFileRejectsStartGreaterThanEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "range.txt")
	content := "0000000000000000000000000000000000000000000000000000000000000fff\n" +
		"0000000000000000000000000000000000000000000000000000000000000001\n" +
		gCompressedHex + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadRangeFile(path)
	require.Error(t, err)
}

func TestEphemeralRangeRejectsMixedDecAndHex(t *testing.T) {
	_, err := EphemeralRange("100", "", "0x1", "0x2", gCompressedHex)
	require.Error(t, err)
}

func TestEphemeralRangeAcceptsDecimal(t *testing.T) {
	s, err := EphemeralRange("1", "1048575", "", "", gCompressedHex)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.RangeStart.Int64())
	require.Equal(t, int64(1048575), s.RangeEnd.Int64())
}

func TestEphemeralRangeAcceptsHexWithPrefix(t *testing.T) {
	s, err := EphemeralRange("", "", "0x1", "0xff", gCompressedHex)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.RangeStart.Int64())
	require.Equal(t, int64(255), s.RangeEnd.Int64())
}
