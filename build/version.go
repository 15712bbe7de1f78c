package build

import (
	"fmt"
)

// CurrentCommit is set by the build system, e.g.
// -ldflags "-X github.com/overlaynode/nodeupdater/build.CurrentCommit=+git.abc123"
var CurrentCommit string

// BuildVersion is the local build version
const BuildVersion = "0.4.0"

func UserVersion() string {
	return BuildVersion + CurrentCommit
}

// Version is a packed major.minor.patch protocol version, one byte each.
type Version uint32

func newVer(major, minor, patch uint8) Version {
	return Version(uint32(major)<<16 | uint32(minor)<<8 | uint32(patch))
}

// Ints returns (major, minor, patch) versions
func (ve Version) Ints() (uint32, uint32, uint32) {
	v := uint32(ve)
	return v >> 16 & 0xff, v >> 8 & 0xff, v & 0xff
}

func (ve Version) String() string {
	vmj, vmi, vp := ve.Ints()
	return fmt.Sprintf("%d.%d.%d", vmj, vmi, vp)
}

// EqMajorMinor ignores the patch version.
func (ve Version) EqMajorMinor(v2 Version) bool {
	return ve>>8 == v2>>8
}

// PeerFetchVersion is the version of the direct peer dependency transfer
// protocol. Peers only talk to each other when major and minor match.
var PeerFetchVersion = newVer(1, 0, 0)
