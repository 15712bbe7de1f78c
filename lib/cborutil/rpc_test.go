package cborutil

import (
	"bytes"
	"io"
	"testing"

	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"
)

type testMsg struct {
	Name string
	N    int64
}

func init() {
	cbor.RegisterCborType(testMsg{})
}

func TestFrameThenRaw(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCborRPC(&buf, testMsg{Name: "a", N: 7}))
	buf.WriteString("raw trailing data")

	var m testMsg
	require.NoError(t, ReadCborRPC(&buf, &m, 1<<10))
	require.Equal(t, testMsg{Name: "a", N: 7}, m)

	rest, err := io.ReadAll(&buf)
	require.NoError(t, err)
	require.Equal(t, "raw trailing data", string(rest))
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCborRPC(&buf, testMsg{Name: string(make([]byte, 100))}))

	var m testMsg
	require.Error(t, ReadCborRPC(&buf, &m, 16))
}
