package updater

import (
	"bytes"
	"io"
	"os"

	"github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"
)

// Verify checks that the file at path has the descriptor's length and that
// its digest matches the multihash of the descriptor's content address.
// Mismatches wrap ErrVerificationFailed.
func Verify(path string, d DependencyDescriptor) error {
	f, err := os.Open(path)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return xerrors.Errorf("stat %s: %w", path, err)
	}
	if st.Size() != d.Size {
		return xerrors.Errorf("%w: %s is %d bytes, expected %d", ErrVerificationFailed, d.Name, st.Size(), d.Size)
	}

	dmh, err := multihash.Decode(d.Cid.Hash())
	if err != nil {
		return xerrors.Errorf("%w: decoding multihash of %s: %v", ErrVerificationFailed, d.Cid, err)
	}

	h, err := multihash.GetHasher(dmh.Code)
	if err != nil {
		return xerrors.Errorf("%w: unsupported hash %s: %v", ErrVerificationFailed, dmh.Name, err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return xerrors.Errorf("hashing %s: %w", path, err)
	}

	sum := h.Sum(nil)
	if dmh.Length > len(sum) || !bytes.Equal(sum[:dmh.Length], dmh.Digest) {
		return xerrors.Errorf("%w: digest mismatch for %s", ErrVerificationFailed, d.Name)
	}

	return nil
}
