package config

// // NOTE: ONLY PUT STRUCT DEFINITIONS IN THIS FILE

// Updater is the node updater daemon config
type Updater struct {
	Manifest Manifest
	Gateway  Gateway
	Libp2p   Libp2p
	Journal  JournalConfig
	Logging  Logging
	Metrics  Metrics
}

type Manifest struct {
	// Path of the manifest file describing the build to fetch dependencies
	// for. The daemon re-reads it every PollInterval.
	Path string

	// Build is the build number of the manifest at Path. When zero, the Build
	// field of the manifest itself is used.
	Build uint64

	PollInterval Duration

	// DependencyDir is the directory dependency paths are relative to.
	DependencyDir string

	// StateDir receives the ready file once every essential dependency of a
	// build is available.
	StateDir string

	// When enabled, dependencies of previous builds that the ready build no
	// longer references are deleted from DependencyDir.
	Cleanup bool
}

type Gateway struct {
	// Gateways are HTTP gateway base URLs content addresses are appended to,
	// e.g. "https://ipfs.io/ipfs/". They are tried in turn.
	Gateways []string

	// MaxAttempts bounds requests per dependency. 0 retries until the build
	// is superseded.
	MaxAttempts int

	MinBackoff Duration
	MaxBackoff Duration
}

// Libp2p contains configs for libp2p
type Libp2p struct {
	// Binding address for the libp2p host
	ListenAddresses []string

	// Peers to connect to on startup, in addition to the built-in bootstrap
	// list. Multiaddrs must include a /p2p/ component.
	BootstrapPeers []string

	// Serve installed dependencies to peers over the direct transfer protocol.
	ServeDependencies bool

	// Fetch essential dependencies directly from peers when the primary
	// network is not making progress.
	EnableFallback bool
}

type JournalConfig struct {
	//Events of the form: "system1:event1,system1:event2[,...]"
	DisabledEvents string
}

// Logging is the logging system config
type Logging struct {
	// SubsystemLevels specify per-subsystem log levels
	SubsystemLevels map[string]string
}

type Metrics struct {
	// ListenAddress serves prometheus metrics when set, e.g. "127.0.0.1:9464".
	ListenAddress string
}
