package peerfetch

import (
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/overlaynode/nodeupdater/build"
)

var log = logging.Logger("peerfetch")

// ProtocolID is the direct peer dependency transfer protocol. A stream
// carries one Request frame, one Response frame and, for StatusOK, exactly
// Response.Size raw bytes.
const ProtocolID protocol.ID = "/nodeupdater/deps/1.0.0"

const maxFrameSize = 4 << 10

const (
	StatusOK = iota
	StatusNotFound
	StatusVersionMismatch
	StatusInternalError
)

func init() {
	cbor.RegisterCborType(Request{})
	cbor.RegisterCborType(Response{})
}

type Request struct {
	Version uint32
	Cid     cid.Cid
	Size    int64
}

type Response struct {
	Version uint32
	Status  int64
	Size    int64
	Message string
}

func compatible(v uint32) bool {
	return build.Version(v).EqMajorMinor(build.PeerFetchVersion)
}
