package config

import (
	"encoding"
	"time"

	"github.com/overlaynode/nodeupdater/journal"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultMinBackoff   = time.Second
	DefaultMaxBackoff   = 5 * time.Minute
)

// DefaultUpdater returns the default config
func DefaultUpdater() *Updater {
	return &Updater{
		Manifest: Manifest{
			Path:          "~/.nodeupdater/manifest.toml",
			PollInterval:  Duration(DefaultPollInterval),
			DependencyDir: "~/.nodeupdater/deps",
			StateDir:      "~/.nodeupdater/state",
			Cleanup:       true,
		},
		Gateway: Gateway{
			Gateways: []string{
				"https://ipfs.io/ipfs/",
				"https://dweb.link/ipfs/",
			},
			MinBackoff: Duration(DefaultMinBackoff),
			MaxBackoff: Duration(DefaultMaxBackoff),
		},
		Libp2p: Libp2p{
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/0",
				"/ip6/::/tcp/0",
			},
			ServeDependencies: true,
			EnableFallback:    true,
		},
		Journal: JournalConfig{
			DisabledEvents: journal.DefaultDisabledEvents.String(),
		},
		Logging: Logging{
			SubsystemLevels: map[string]string{},
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
