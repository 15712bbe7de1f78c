package nodelog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
)

// SetupLogLevels sets the default subsystem levels unless GOLOG_LOG_LEVEL
// overrides them.
func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		_ = logging.SetLogLevel("*", "INFO")
		_ = logging.SetLogLevel("dht", "ERROR")
		_ = logging.SetLogLevel("swarm2", "WARN")
		_ = logging.SetLogLevel("connmgr", "WARN")
		_ = logging.SetLogLevel("net/identify", "ERROR")
	}
	// update fetch progress is noisy at debug
	_ = logging.SetLogLevel("gateway", "INFO")
}
