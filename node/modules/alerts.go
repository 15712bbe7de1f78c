package modules

import (
	"os"
	"path/filepath"

	"github.com/overlaynode/nodeupdater/journal/alerting"
	"github.com/overlaynode/nodeupdater/node/modules/dtypes"
)

// CheckDependencyDir raises an alert when dependencies can't be written into
// the dependency directory.
func CheckDependencyDir(dir dtypes.DependencyDir, al *alerting.Alerting) {
	alert := al.AddAlertType("process", "dependency-dir")

	if err := os.MkdirAll(string(dir), 0755); err != nil {
		al.Raise(alert, map[string]string{
			"message": "failed to create dependency directory",
			"dir":     string(dir),
			"error":   err.Error(),
		})
		return
	}

	f, err := os.CreateTemp(string(dir), ".writecheck-*")
	if err != nil {
		al.Raise(alert, map[string]string{
			"message": "dependency directory is not writable",
			"dir":     string(dir),
			"error":   err.Error(),
		})
		return
	}
	_ = f.Close()
	if err := os.Remove(filepath.Clean(f.Name())); err != nil {
		log.Warnw("removing write check file", "error", err)
	}
}
