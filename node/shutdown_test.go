package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestMonitorShutdown(t *testing.T) {
	trigger := make(chan struct{})

	var lk sync.Mutex
	var stopped []string
	handler := func(name string, err error) ShutdownHandler {
		return ShutdownHandler{
			Component: name,
			StopFunc: func(context.Context) error {
				lk.Lock()
				defer lk.Unlock()
				stopped = append(stopped, name)
				return err
			},
		}
	}

	finishCh := MonitorShutdown(trigger,
		handler("metrics endpoint", nil),
		handler("node", xerrors.New("stuck")),
		handler("journal", nil),
	)

	select {
	case <-finishCh:
		t.Fatal("shut down without a trigger")
	case <-time.After(10 * time.Millisecond):
	}

	close(trigger)
	select {
	case <-finishCh:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	// a failing handler doesn't stop the ones after it
	lk.Lock()
	defer lk.Unlock()
	require.Equal(t, []string{"metrics endpoint", "node", "journal"}, stopped)
}
