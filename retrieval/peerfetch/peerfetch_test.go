package peerfetch

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/updater"
)

func testDep(t *testing.T, dir string, size int) (updater.DependencyDescriptor, []byte) {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	d := updater.DependencyDescriptor{
		Name:      "dep.bin",
		Cid:       cid.NewCidV1(cid.Raw, mh),
		Size:      int64(size),
		Path:      filepath.Join(dir, "dep.bin"),
		Essential: true,
	}
	return d, data
}

func wait(t *testing.T, ch <-chan updater.Completion) updater.Completion {
	select {
	case c := <-ch:
		return c
	case <-time.After(10 * time.Second):
		t.Fatal("retrieval did not complete")
		return updater.Completion{}
	}
}

func TestPeerFetch(t *testing.T) {
	ctx := context.Background()
	mn := mocknet.New()
	defer mn.Close() //nolint:errcheck

	serverHost, err := mn.GenPeer()
	require.NoError(t, err)
	clientHost, err := mn.GenPeer()
	require.NoError(t, err)

	// the serving node has the dependency installed and registered
	d, data := testDep(t, t.TempDir(), 100<<10)
	require.NoError(t, os.WriteFile(d.Path, data, 0644))
	store := depstore.New(dssync.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, store.Put(ctx, d))

	srv := NewServer(serverHost, store)
	srv.Start()
	defer srv.Stop()

	cl := NewClient(clientHost)
	available := make(chan struct{}, 4)
	cl.OnAvailable(func() { available <- struct{}{} })
	require.NoError(t, cl.Start())
	defer cl.Stop() //nolint:errcheck

	require.False(t, cl.Available())

	// without capable peers a retrieval waits until its context ends
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	c := wait(t, cl.Retrieve(tctx, updater.Request{Descriptor: d, Path: filepath.Join(t.TempDir(), "x")}, nil))
	require.True(t, errors.Is(c.Err, ErrNoPeers))
	require.True(t, errors.Is(c.Err, context.DeadlineExceeded))

	// a retrieval started before the server connects completes once it does
	early := filepath.Join(t.TempDir(), "early.part")
	pending := cl.Retrieve(ctx, updater.Request{Descriptor: d, Path: early}, nil)
	select {
	case c := <-pending:
		t.Fatalf("retrieval finished without peers: %v", c.Err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	select {
	case <-available:
	case <-time.After(10 * time.Second):
		t.Fatal("server peer never became available")
	}
	require.Equal(t, serverHost.ID(), cl.Peers()[0])

	c = wait(t, pending)
	require.NoError(t, c.Err)
	require.NoError(t, updater.Verify(early, d))

	t.Run("retrieve", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "dep.bin.part")
		var last updater.ProgressSnapshot
		c := wait(t, cl.Retrieve(ctx, updater.Request{Descriptor: d, Path: dst}, func(p updater.ProgressSnapshot) {
			last = p
		}))
		require.NoError(t, c.Err)
		require.Equal(t, d.Size, c.Written)
		require.NoError(t, updater.Verify(dst, d))
		require.True(t, last.Finalized)
		require.Equal(t, 4, last.Total)
	})

	t.Run("unknown dependency", func(t *testing.T) {
		other, _ := testDep(t, t.TempDir(), 10)
		c := wait(t, cl.Retrieve(ctx, updater.Request{Descriptor: other, Path: filepath.Join(t.TempDir(), "o")}, nil))
		require.ErrorContains(t, c.Err, "not_found")
	})

	t.Run("size mismatch", func(t *testing.T) {
		wrong := d
		wrong.Size++
		c := wait(t, cl.Retrieve(ctx, updater.Request{Descriptor: wrong, Path: filepath.Join(t.TempDir(), "w")}, nil))
		require.Error(t, c.Err)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		c := wait(t, cl.Retrieve(cctx, updater.Request{Descriptor: d, Path: filepath.Join(t.TempDir(), "c")}, nil))
		require.Error(t, c.Err)
	})

	require.NoError(t, mn.DisconnectPeers(clientHost.ID(), serverHost.ID()))
	require.Eventually(t, func() bool { return !cl.Available() }, 10*time.Second, 10*time.Millisecond)

	// after the last peer left, retrievals wait again
	tctx2, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	c = wait(t, cl.Retrieve(tctx2, updater.Request{Descriptor: d, Path: filepath.Join(t.TempDir(), "y")}, nil))
	require.True(t, errors.Is(c.Err, ErrNoPeers))
}

func TestPeerFetchSkipsCorruptPeer(t *testing.T) {
	ctx := context.Background()
	mn := mocknet.New()
	defer mn.Close() //nolint:errcheck

	a, err := mn.GenPeer()
	require.NoError(t, err)
	b, err := mn.GenPeer()
	require.NoError(t, err)
	clientHost, err := mn.GenPeer()
	require.NoError(t, err)

	// peers are asked in ID order; the first one serves damaged bytes
	bad, good := a, b
	if b.ID() < a.ID() {
		bad, good = b, a
	}

	d, data := testDep(t, t.TempDir(), 1000)
	require.NoError(t, os.WriteFile(d.Path, data, 0644))
	goodStore := depstore.New(dssync.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, goodStore.Put(ctx, d))

	damaged := append([]byte(nil), data...)
	damaged[len(damaged)/2] ^= 0xff
	badDep := d
	badDep.Path = filepath.Join(t.TempDir(), "dep.bin")
	require.NoError(t, os.WriteFile(badDep.Path, damaged, 0644))
	badStore := depstore.New(dssync.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, badStore.Put(ctx, badDep))

	badSrv := NewServer(bad, badStore)
	badSrv.Start()
	defer badSrv.Stop()
	goodSrv := NewServer(good, goodStore)
	goodSrv.Start()
	defer goodSrv.Stop()

	cl := NewClient(clientHost)
	require.NoError(t, cl.Start())
	defer cl.Stop() //nolint:errcheck

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())
	require.Eventually(t, func() bool { return len(cl.Peers()) == 2 }, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, bad.ID(), cl.Peers()[0])

	dst := filepath.Join(t.TempDir(), "dep.bin.part")
	c := wait(t, cl.Retrieve(ctx, updater.Request{Descriptor: d, Path: dst}, nil))
	require.NoError(t, c.Err)
	require.Equal(t, d.Size, c.Written)
	require.NoError(t, updater.Verify(dst, d))
}

func TestPeerFetchAllPeersCorrupt(t *testing.T) {
	ctx := context.Background()
	mn := mocknet.New()
	defer mn.Close() //nolint:errcheck

	serverHost, err := mn.GenPeer()
	require.NoError(t, err)
	clientHost, err := mn.GenPeer()
	require.NoError(t, err)

	d, data := testDep(t, t.TempDir(), 1000)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(d.Path, data, 0644))
	store := depstore.New(dssync.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, store.Put(ctx, d))

	srv := NewServer(serverHost, store)
	srv.Start()
	defer srv.Stop()

	cl := NewClient(clientHost)
	require.NoError(t, cl.Start())
	defer cl.Stop() //nolint:errcheck

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())
	require.Eventually(t, cl.Available, 10*time.Second, 10*time.Millisecond)

	c := wait(t, cl.Retrieve(ctx, updater.Request{Descriptor: d, Path: filepath.Join(t.TempDir(), "d.part")}, nil))
	require.ErrorIs(t, c.Err, updater.ErrVerificationFailed)
}
