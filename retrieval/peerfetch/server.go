package peerfetch

import (
	"context"
	"io"
	"os"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"go.opencensus.io/tag"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/lib/cborutil"
	"github.com/overlaynode/nodeupdater/metrics"
)

const (
	requestTimeout = 30 * time.Second
	copyBufferSize = 64 << 10
)

// Server serves dependencies registered in the local ledger to peers.
type Server struct {
	h     host.Host
	store *depstore.Store
}

func NewServer(h host.Host, store *depstore.Store) *Server {
	return &Server{h: h, store: store}
}

func (s *Server) Start() {
	s.h.SetStreamHandler(ProtocolID, s.HandleStream)
}

func (s *Server) Stop() {
	s.h.RemoveStreamHandler(ProtocolID)
}

func (s *Server) HandleStream(st network.Stream) {
	defer st.Close() //nolint:errcheck

	remote := st.Conn().RemotePeer()
	_ = st.SetReadDeadline(time.Now().Add(requestTimeout))

	var req Request
	if err := cborutil.ReadCborRPC(st, &req, maxFrameSize); err != nil {
		log.Debugw("reading dependency request", "peer", remote, "error", err)
		_ = st.Reset()
		return
	}
	_ = st.SetReadDeadline(time.Time{})

	ctx := context.Background()
	n, status, err := s.serve(ctx, st, req)
	metrics.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.Outcome, statusName(status))},
		metrics.PeerFetchServed.M(1))
	if err != nil {
		log.Warnw("serving dependency", "peer", remote, "cid", req.Cid, "sent", n, "error", err)
		_ = st.Reset()
		return
	}
	if status != StatusOK {
		log.Debugw("refused dependency request", "peer", remote, "cid", req.Cid, "status", statusName(status))
		return
	}

	log.Infow("served dependency", "peer", remote, "cid", req.Cid, "bytes", n)
}

func (s *Server) serve(ctx context.Context, st network.Stream, req Request) (int64, int64, error) {
	if !compatible(req.Version) {
		return 0, StatusVersionMismatch, s.respond(st, StatusVersionMismatch, 0, "incompatible protocol version "+build.Version(req.Version).String())
	}

	e, err := s.store.Get(ctx, req.Cid)
	if xerrors.Is(err, depstore.ErrNotFound) || (err == nil && e.Size != req.Size) {
		return 0, StatusNotFound, s.respond(st, StatusNotFound, 0, "not available")
	}
	if err != nil {
		_ = s.respond(st, StatusInternalError, 0, "")
		return 0, StatusInternalError, err
	}

	f, err := os.Open(e.Path)
	if err != nil {
		_ = s.respond(st, StatusNotFound, 0, "not available")
		return 0, StatusNotFound, xerrors.Errorf("opening %s: %w", e.Path, err)
	}
	defer f.Close() //nolint:errcheck

	if fi, err := f.Stat(); err != nil || fi.Size() != e.Size {
		_ = s.respond(st, StatusNotFound, 0, "not available")
		return 0, StatusNotFound, xerrors.Errorf("%s changed on disk", e.Path)
	}

	if err := s.respond(st, StatusOK, e.Size, ""); err != nil {
		return 0, StatusOK, err
	}

	buf := pool.Get(copyBufferSize)
	defer pool.Put(buf)

	n, err := io.CopyBuffer(st, io.LimitReader(f, e.Size), buf)
	otelmetrics.bytes.Add(ctx, n, metric.WithAttributes(attrDirectionOutbound))
	if err != nil {
		return n, StatusOK, xerrors.Errorf("sending: %w", err)
	}
	return n, StatusOK, nil
}

func (s *Server) respond(st network.Stream, status, size int64, msg string) error {
	return cborutil.WriteCborRPC(st, Response{
		Version: uint32(build.PeerFetchVersion),
		Status:  status,
		Size:    size,
		Message: msg,
	})
}

func statusName(s int64) string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusVersionMismatch:
		return "version_mismatch"
	default:
		return "error"
	}
}
