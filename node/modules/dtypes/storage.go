package dtypes

import (
	"github.com/ipfs/go-datastore"
)

// MetadataDS stores node metadata: the dependency ledger and the libp2p
// identity. It is backed by leveldb in the repo directory.
type MetadataDS datastore.Batching

// RepoPath is the node's state directory.
type RepoPath string

// DependencyDir is the directory manifest dependency paths resolve against.
type DependencyDir string

// StateDir receives the ready record of deployable builds.
type StateDir string
