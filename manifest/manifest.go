package manifest

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/updater"
)

// Manifest is the TOML description of a build's dependencies.
//
//	Build = 42
//
//	[[Dependency]]
//	Name = "core.jar"
//	Cid = "bafkrei..."
//	Size = 1048576
//	Path = "lib/core.jar"
//	Essential = true
type Manifest struct {
	Build      uint64
	Dependency []Dependency
}

type Dependency struct {
	Name string
	Cid  string
	Size int64
	// Path is relative to the dependency directory. Defaults to Name.
	Path      string
	Essential bool
}

// Parse decodes a manifest. Unknown keys are rejected.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(&m)
	if err != nil {
		return nil, xerrors.Errorf("%w: decoding: %v", updater.ErrManifestInvalid, err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		return nil, xerrors.Errorf("%w: unknown keys %v", updater.ErrManifestInvalid, und)
	}
	return &m, nil
}

// BuildOf returns the build a manifest declares. Manifests that fail to
// decode, or declare no build, report false.
func BuildOf(raw []byte) (updater.Build, bool) {
	var hdr struct{ Build uint64 }
	if _, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(&hdr); err != nil {
		return 0, false
	}
	return updater.Build(hdr.Build), hdr.Build != 0
}

// Encode writes m as TOML.
func Encode(m *Manifest) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Descriptors validates m and resolves every dependency against dir. build
// must match the manifest's own build when it declares one.
func (m *Manifest) Descriptors(dir string, build updater.Build) ([]updater.DependencyDescriptor, error) {
	if m.Build != 0 && updater.Build(m.Build) != build {
		return nil, xerrors.Errorf("%w: manifest is for build %d, not %d", updater.ErrManifestInvalid, m.Build, build)
	}

	names := map[string]struct{}{}
	paths := map[string]string{}
	out := make([]updater.DependencyDescriptor, 0, len(m.Dependency))

	for i, dep := range m.Dependency {
		if dep.Name == "" {
			return nil, xerrors.Errorf("%w: dependency %d has no name", updater.ErrManifestInvalid, i)
		}
		if _, dup := names[dep.Name]; dup {
			return nil, xerrors.Errorf("%w: duplicate dependency %s", updater.ErrManifestInvalid, dep.Name)
		}
		names[dep.Name] = struct{}{}

		c, err := cid.Decode(dep.Cid)
		if err != nil {
			return nil, xerrors.Errorf("%w: dependency %s: bad cid %q: %v", updater.ErrManifestInvalid, dep.Name, dep.Cid, err)
		}
		if dep.Size <= 0 {
			return nil, xerrors.Errorf("%w: dependency %s: size must be positive", updater.ErrManifestInvalid, dep.Name)
		}

		p, err := resolvePath(dir, dep)
		if err != nil {
			return nil, xerrors.Errorf("%w: dependency %s: %v", updater.ErrManifestInvalid, dep.Name, err)
		}
		if other, dup := paths[p]; dup {
			return nil, xerrors.Errorf("%w: dependencies %s and %s share path %s", updater.ErrManifestInvalid, other, dep.Name, p)
		}
		paths[p] = dep.Name

		out = append(out, updater.DependencyDescriptor{
			Name:      dep.Name,
			Cid:       c,
			Size:      dep.Size,
			Path:      p,
			Essential: dep.Essential,
			Build:     build,
		})
	}

	return out, nil
}

func resolvePath(dir string, dep Dependency) (string, error) {
	rel := dep.Path
	if rel == "" {
		rel = dep.Name
	}
	if filepath.IsAbs(rel) {
		return "", xerrors.Errorf("path %s must be relative", rel)
	}

	p := filepath.Join(dir, rel)
	r, err := filepath.Rel(dir, p)
	if err != nil {
		return "", err
	}
	if r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", xerrors.Errorf("path %s escapes the dependency directory", rel)
	}
	return p, nil
}
