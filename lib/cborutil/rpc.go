package cborutil

import (
	"io"

	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/libp2p/go-msgio"
	"golang.org/x/xerrors"
)

// WriteCborRPC writes obj as a single varint length prefixed CBOR frame.
// The type of obj must be registered with cbor.RegisterCborType.
func WriteCborRPC(w io.Writer, obj interface{}) error {
	data, err := cbor.DumpObject(obj)
	if err != nil {
		return err
	}
	return msgio.NewVarintWriter(w).WriteMsg(data)
}

// ReadCborRPC reads one frame written by WriteCborRPC into out. It never
// reads past the end of the frame, so raw data may follow on the same
// stream.
func ReadCborRPC(r io.Reader, out interface{}, maxSize int) error {
	mr := msgio.NewVarintReaderSize(r, maxSize)
	msg, err := mr.ReadMsg()
	if err != nil {
		return err
	}
	defer mr.ReleaseMsg(msg)

	if err := cbor.DecodeInto(msg, out); err != nil {
		return xerrors.Errorf("decoding frame: %w", err)
	}
	return nil
}
