package config

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// FromFile loads config from a specified file overriding defaults specified
// in def. If the file does not exist, def is returned.
func FromFile(path string, def *Updater) (*Updater, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		if def == nil {
			return nil, xerrors.Errorf("couldn't load config: %w", err)
		}
		return def, nil
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file, def)
}

// FromReader loads config from a reader instance.
func FromReader(reader io.Reader, def *Updater) (*Updater, error) {
	cfg := DefaultUpdater()
	if def != nil {
		c := *def
		cfg = &c
	}

	md, err := toml.NewDecoder(reader).Decode(cfg)
	if err != nil {
		return nil, err
	}
	if und := md.Undecoded(); len(und) > 0 {
		return nil, xerrors.Errorf("unknown config keys: %v", und)
	}

	return cfg, nil
}

// ExpandPaths replaces ~ in every path setting with the home directory.
func (c *Updater) ExpandPaths() error {
	for _, p := range []*string{&c.Manifest.Path, &c.Manifest.DependencyDir, &c.Manifest.StateDir} {
		e, err := homedir.Expand(*p)
		if err != nil {
			return xerrors.Errorf("expanding %s: %w", *p, err)
		}
		*p = e
	}
	return nil
}

// ConfigComment encodes cfg as TOML, with a header.
func ConfigComment(cfg *Updater) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, _ = buf.WriteString("# Default config:\n")
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
