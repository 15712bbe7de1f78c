package build

import (
	"embed"
	"path"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/xerrors"
)

//go:embed bootstrap
var bootstrapfs embed.FS

// BuiltinBootstrap returns the peers shipped with this build that serve
// dependencies over the direct peer transfer protocol.
func BuiltinBootstrap() ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo

	ents, err := bootstrapfs.ReadDir("bootstrap")
	if err != nil {
		return nil, xerrors.Errorf("reading bootstrap dir: %w", err)
	}

	for _, ent := range ents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".pi") {
			continue
		}
		b, err := bootstrapfs.ReadFile(path.Join("bootstrap", ent.Name()))
		if err != nil {
			return nil, xerrors.Errorf("reading %s: %w", ent.Name(), err)
		}
		pis, err := ParseAddrInfos(strings.Split(strings.TrimSpace(string(b)), "\n"))
		if err != nil {
			return nil, xerrors.Errorf("parsing %s: %w", ent.Name(), err)
		}
		out = append(out, pis...)
	}

	return out, nil
}

// ParseAddrInfos parses full p2p multiaddrs, merging addresses of the same peer.
func ParseAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	byID := map[peer.ID]*peer.AddrInfo{}
	var order []peer.ID

	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" || strings.HasPrefix(a, "#") {
			continue
		}
		ai, err := peer.AddrInfoFromString(a)
		if err != nil {
			return nil, xerrors.Errorf("parsing peer address %q: %w", a, err)
		}
		if cur, ok := byID[ai.ID]; ok {
			cur.Addrs = append(cur.Addrs, ai.Addrs...)
			continue
		}
		byID[ai.ID] = ai
		order = append(order, ai.ID)
	}

	out := make([]peer.AddrInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}
