package inspect

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

var errNotConfigured = errors.New("inspect worker not configured")

// worker serves Inspect calls from a Local inspector inside the worker
// process.
type worker struct {
	mu     sync.Mutex
	local  *Local
	logger hclog.Logger
}

// NewWorker returns the Worker implementation run by the worker process.
func NewWorker(logger hclog.Logger) Worker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &worker{logger: logger}
}

func (w *worker) Configure(s Settings) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.local != nil {
		w.local.Close()
	}
	w.local = NewLocal(s, w.logger)
	w.logger.Debug("worker configured", "app_dir", s.AppDir)
	return nil
}

func (w *worker) Inspect(path string) (Report, error) {
	w.mu.Lock()
	local := w.local
	w.mu.Unlock()
	if local == nil {
		return Report{}, errNotConfigured
	}
	details, ok := local.Inspect(context.Background(), path)
	return Report{IsPlugin: ok, Details: details}, nil
}

// Serve runs the worker side of the inspector protocol on stdio. It only
// returns when the host disconnects.
func Serve(logger hclog.Logger) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &InspectorPlugin{Impl: NewWorker(logger)},
		},
		Logger: logger,
	})
}
