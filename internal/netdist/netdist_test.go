package netdist

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

func TestWireRoundTrip(t *testing.T) {
	x := secp.FieldFromBytes(&[32]byte{1, 2, 3, 4})
	d := secp.ScalarFromBig(big.NewInt(987654321))

	w := toWire(&x, &d, herd.Wild, 1)
	gotX, gotD, gotKind, gotSym := fromWire(w)

	require.Equal(t, secp.FieldBytes(&x), secp.FieldBytes(&gotX))
	require.Equal(t, secp.ScalarBytes(&d), secp.ScalarBytes(&gotD))
	require.Equal(t, herd.Wild, gotKind)
	require.Equal(t, uint8(1), gotSym)
}

func TestServerIngestsClientDPAndBroadcastsSolution(t *testing.T) {
	ingestCh := make(chan struct{}, 1)
	solutionKey := big.NewInt(424242)

	srv := NewServer("127.0.0.1:18173", func(x *secp.Field, d *secp.Scalar, kind herd.Kind, symClass uint8) (bool, *big.Int) {
		ingestCh <- struct{}{}
		return true, solutionKey
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe(ctx) }()
	time.Sleep(100 * time.Millisecond) // let the listener come up

	client := NewClient("127.0.0.1", 18173, 20*time.Millisecond)
	clientErr := make(chan error, 1)
	go func() { clientErr <- client.Run(ctx) }()
	time.Sleep(100 * time.Millisecond) // let the dial complete

	x := secp.FieldFromBytes(&[32]byte{5})
	d := secp.ScalarFromBig(big.NewInt(1))
	client.SendDP(&x, &d, herd.Tame, 0)

	select {
	case <-ingestCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never ingested the client's DP")
	}

	select {
	case key := <-client.SolutionCh:
		require.Equal(t, solutionKey, key)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the broadcast solution")
	}
}
