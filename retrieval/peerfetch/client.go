package peerfetch

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opencensus.io/stats"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/lib/cborutil"
	"github.com/overlaynode/nodeupdater/metrics"
	"github.com/overlaynode/nodeupdater/updater"
)

// ErrNoPeers is returned when the retrieval context ends before any connected
// peer speaks the protocol.
var ErrNoPeers = xerrors.New("no peers serving dependencies")

// Client is the fallback retrieval source. It fetches dependencies directly
// from connected peers that run the dependency server.
type Client struct {
	h host.Host

	lk          sync.Mutex
	peers       map[peer.ID]struct{}
	onAvailable []func()
	// avail is closed while at least one capable peer is connected
	avail chan struct{}

	sub    event.Subscription
	notify *network.NotifyBundle
	done   chan struct{}
}

var _ updater.Source = (*Client)(nil)

func NewClient(h host.Host) *Client {
	return &Client{
		h:     h,
		peers: map[peer.ID]struct{}{},
		avail: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// OnAvailable registers cb to be called every time the client goes from
// no capable peers to at least one. Register before Start.
func (c *Client) OnAvailable(cb func()) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.onAvailable = append(c.onAvailable, cb)
}

// Start tracks peers as they complete identification and disconnect.
func (c *Client) Start() error {
	sub, err := c.h.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return xerrors.Errorf("subscribing to identify events: %w", err)
	}
	c.sub = sub

	c.notify = &network.NotifyBundle{
		DisconnectedF: func(n network.Network, conn network.Conn) {
			p := conn.RemotePeer()
			if n.Connectedness(p) != network.Connected {
				c.removePeer(p)
			}
		},
	}
	c.h.Network().Notify(c.notify)

	for _, p := range c.h.Network().Peers() {
		c.checkPeer(p)
	}

	go c.run()
	return nil
}

func (c *Client) Stop() error {
	if c.notify != nil {
		c.h.Network().StopNotify(c.notify)
	}
	if c.sub == nil {
		return nil
	}
	err := c.sub.Close()
	<-c.done
	return err
}

func (c *Client) run() {
	defer close(c.done)
	for evt := range c.sub.Out() {
		e := evt.(event.EvtPeerIdentificationCompleted)
		c.checkPeer(e.Peer)
	}
}

func (c *Client) checkPeer(p peer.ID) {
	protos, err := c.h.Peerstore().SupportsProtocols(p, ProtocolID)
	if err != nil || len(protos) == 0 {
		return
	}
	c.addPeer(p)
}

func (c *Client) addPeer(p peer.ID) {
	c.lk.Lock()
	if _, ok := c.peers[p]; ok {
		c.lk.Unlock()
		return
	}
	c.peers[p] = struct{}{}
	n := len(c.peers)
	var cbs []func()
	if n == 1 {
		close(c.avail)
		cbs = append(cbs, c.onAvailable...)
	}
	c.lk.Unlock()

	stats.Record(context.Background(), metrics.PeerFetchCapablePeers.M(int64(n)))
	log.Infow("peer serves dependencies", "peer", p, "peers", n)

	for _, cb := range cbs {
		cb()
	}
}

func (c *Client) removePeer(p peer.ID) {
	c.lk.Lock()
	_, ok := c.peers[p]
	delete(c.peers, p)
	n := len(c.peers)
	if ok && n == 0 {
		c.avail = make(chan struct{})
	}
	c.lk.Unlock()

	if ok {
		stats.Record(context.Background(), metrics.PeerFetchCapablePeers.M(int64(n)))
		log.Debugw("dependency peer disconnected", "peer", p, "peers", n)
	}
}

// Peers returns the peers currently known to serve dependencies.
func (c *Client) Peers() []peer.ID {
	c.lk.Lock()
	defer c.lk.Unlock()

	out := make([]peer.ID, 0, len(c.peers))
	for p := range c.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Available reports whether at least one peer serves dependencies.
func (c *Client) Available() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	return len(c.peers) > 0
}

// Retrieve asks each capable peer in turn until one delivers the dependency
// with the expected digest. Without capable peers it waits for one to connect
// until ctx is done.
func (c *Client) Retrieve(ctx context.Context, req updater.Request, progress updater.ProgressFunc) <-chan updater.Completion {
	out := make(chan updater.Completion, 1)
	go func() {
		n, err := c.retrieve(ctx, req, progress)
		out <- updater.Completion{Written: n, Err: err}
	}()
	return out
}

func (c *Client) retrieve(ctx context.Context, req updater.Request, progress updater.ProgressFunc) (int64, error) {
	peers, err := c.waitPeers(ctx)
	if err != nil {
		return 0, err
	}

	var errs error
	for _, p := range peers {
		n, err := c.fetchFrom(ctx, p, req, progress)
		if err == nil {
			err = updater.Verify(req.Path, req.Descriptor)
		}
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.Infow("peer could not provide dependency", "peer", p, "dep", req.Descriptor.Name, "error", err)
		errs = multierr.Append(errs, xerrors.Errorf("peer %s: %w", p, err))
	}
	return 0, errs
}

func (c *Client) waitPeers(ctx context.Context) ([]peer.ID, error) {
	for {
		c.lk.Lock()
		ch := c.avail
		c.lk.Unlock()

		if peers := c.Peers(); len(peers) > 0 {
			return peers, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, multierr.Combine(ErrNoPeers, ctx.Err())
		}
	}
}

func (c *Client) fetchFrom(ctx context.Context, p peer.ID, req updater.Request, progress updater.ProgressFunc) (int64, error) {
	d := req.Descriptor

	st, err := c.h.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return 0, xerrors.Errorf("opening stream: %w", err)
	}
	defer st.Close() //nolint:errcheck
	stop := context.AfterFunc(ctx, func() { _ = st.Reset() })
	defer stop()

	if err := cborutil.WriteCborRPC(st, Request{
		Version: uint32(build.PeerFetchVersion),
		Cid:     d.Cid,
		Size:    d.Size,
	}); err != nil {
		return 0, xerrors.Errorf("sending request: %w", err)
	}
	if err := st.CloseWrite(); err != nil {
		return 0, xerrors.Errorf("closing write side: %w", err)
	}

	var resp Response
	if err := cborutil.ReadCborRPC(st, &resp, maxFrameSize); err != nil {
		return 0, xerrors.Errorf("reading response: %w", err)
	}
	if resp.Status != StatusOK {
		return 0, xerrors.Errorf("peer refused: %s (%s)", statusName(resp.Status), resp.Message)
	}
	if resp.Size != d.Size {
		return 0, xerrors.Errorf("peer offers %d bytes, expected %d", resp.Size, d.Size)
	}

	f, err := os.Create(req.Path)
	if err != nil {
		return 0, xerrors.Errorf("creating %s: %w", req.Path, err)
	}

	n, err := io.Copy(f, &progressReader{r: io.LimitReader(st, d.Size), total: d.Size, report: progress})
	otelmetrics.bytes.Add(ctx, n, metric.WithAttributes(attrDirectionInbound))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, xerrors.Errorf("receiving after %d bytes: %w", n, err)
	}
	if n != d.Size {
		return n, xerrors.Errorf("stream ended after %d of %d bytes", n, d.Size)
	}
	return n, nil
}

const progressBlock = 32 << 10

type progressReader struct {
	r      io.Reader
	total  int64
	have   int64
	report updater.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	before := p.have / progressBlock
	p.have += int64(n)
	if p.report != nil && (p.have/progressBlock != before || p.have == p.total) {
		total := int((p.total + progressBlock - 1) / progressBlock)
		p.report(updater.ProgressSnapshot{
			Succeeded:   int((p.have + progressBlock - 1) / progressBlock),
			MinRequired: total,
			Total:       total,
			Finalized:   p.have == p.total,
		})
	}
	return n, err
}
