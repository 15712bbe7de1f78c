package journal

import (
	"os"
	"strconv"
)

const (
	envPrefix = "NODEUPDATER_JOURNAL_"

	// EnvDisabled lists journal events to skip, as "system:event,system:event".
	EnvDisabled = envPrefix + "DISABLED_EVENTS"
)

// Rotation limits of the filesystem journal. Files are rolled once they grow
// past EnvMaxSize bytes and at most EnvMaxBackups rolled files are kept.
var (
	EnvMaxBackups = envInt(envPrefix+"MAX_BACKUPS", 3)
	EnvMaxSize    = envInt(envPrefix+"MAX_SIZE", 1<<30)
)

// EnvDisabledEvents reads the disabled events from the environment, keeping
// DefaultDisabledEvents when the variable is unset or malformed.
func EnvDisabledEvents() DisabledEvents {
	v, ok := os.LookupEnv(EnvDisabled)
	if !ok {
		return DefaultDisabledEvents
	}
	de, err := ParseDisabledEvents(v)
	if err != nil {
		log.Warnw("ignoring malformed disabled events", "env", EnvDisabled, "error", err)
		return DefaultDisabledEvents
	}
	return de
}

func envInt(name string, def int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(name), 10, 64)
	if err != nil {
		return def
	}
	return v
}
