package inspect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// WorkerCommand is the subcommand that runs the inspect worker.
const WorkerCommand = "inspect-worker"

// Remote inspects modules in a worker process so that a misbehaving module
// cannot take the host down. The worker is started on first use and killed
// on Close.
type Remote struct {
	settings Settings
	command  func() (*exec.Cmd, error)
	logger   hclog.Logger

	mu     sync.Mutex
	client *plugin.Client
	rpc    *RPCClient
	broken error
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithCommand sets how the worker process is started.
func WithCommand(cmd func() (*exec.Cmd, error)) RemoteOption {
	return func(r *Remote) {
		r.command = cmd
	}
}

// NewRemote returns an inspector delegating to a worker process. By default
// the worker is the running executable invoked with WorkerCommand.
func NewRemote(s Settings, logger hclog.Logger, opts ...RemoteOption) *Remote {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := &Remote{settings: s, command: selfCommand, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RemoteFactory returns a Factory producing out-of-process inspectors.
func RemoteFactory(s Settings, logger hclog.Logger, opts ...RemoteOption) Factory {
	return func(appDir string) (Inspector, error) {
		return NewRemote(s.withAppDir(appDir), logger, opts...), nil
	}
}

func selfCommand() (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return exec.Command(exe, WorkerCommand), nil
}

// Inspect forwards to the worker. Worker failures are logged and reported as
// "not a plugin"; a worker that failed to start is not retried.
func (r *Remote) Inspect(ctx context.Context, path string) (Details, bool) {
	if ctx.Err() != nil {
		return Details{}, false
	}
	client, err := r.connect()
	if err != nil {
		r.logger.Debug("inspect worker unavailable", "error", err)
		return Details{}, false
	}

	report, err := client.Inspect(ctx, path)
	if err != nil {
		r.logger.Debug("remote inspection failed", "path", path, "error", err)
		return Details{}, false
	}
	return report.Details, report.IsPlugin
}

func (r *Remote) connect() (*RPCClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rpc != nil {
		return r.rpc, nil
	}
	if r.broken != nil {
		return nil, r.broken
	}

	cmd, err := r.command()
	if err != nil {
		r.broken = err
		return nil, err
	}

	r.client = plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &InspectorPlugin{},
		},
		Cmd:              cmd,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           r.logger.Named("worker"),
	})

	rpcClient, err := r.client.Client()
	if err != nil {
		r.client.Kill()
		r.broken = fmt.Errorf("failed to get RPC client: %w", err)
		return nil, r.broken
	}

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		r.client.Kill()
		r.broken = fmt.Errorf("failed to dispense inspector: %w", err)
		return nil, r.broken
	}

	client := raw.(*RPCClient)
	if err := client.Configure(r.settings); err != nil {
		r.client.Kill()
		r.broken = fmt.Errorf("failed to configure inspector: %w", err)
		return nil, r.broken
	}
	r.rpc = client
	return client, nil
}

// Close kills the worker process if one was started.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Kill()
		r.client = nil
		r.rpc = nil
	}
	return nil
}
