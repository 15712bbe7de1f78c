package dtypes

// ShutdownChan stops the daemon when closed or sent to. Components that hit
// an unrecoverable error use it to take the node down cleanly.
type ShutdownChan chan struct{}
