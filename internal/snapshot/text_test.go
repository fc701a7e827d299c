package snapshot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secp-kangaroo/kangaroo/internal/herd"
)

func TestWriteReadTextRoundTrip(t *testing.T) {
	p := samplePayload()

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, p))

	got, err := ReadText(&buf)
	require.NoError(t, err)

	require.Equal(t, p.Header.DPBits, got.Header.DPBits)
	require.Equal(t, p.Header.TotalCount, got.Header.TotalCount)
	require.Equal(t, p.BucketCnt, got.BucketCnt)
	require.Len(t, got.Kangaroos, 1)
	require.Equal(t, herd.Wild, got.Kangaroos[0].Kind)
	require.Equal(t, uint8(1), got.Kangaroos[0].SymClass)
}

func TestReadTextSkipsBlankLines(t *testing.T) {
	in := "work 1\n\ndpbits 16\n\nbuckets 1048576\nwalkers 0\n"
	got, err := ReadText(bytes.NewBufferString(in))
	require.NoError(t, err)
	require.Equal(t, uint32(16), got.Header.DPBits)
}

func TestSplitHex128RejectsBadLength(t *testing.T) {
	_, _, err := splitHex128("deadbeef")
	require.Error(t, err)
}
