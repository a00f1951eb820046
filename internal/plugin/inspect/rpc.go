package inspect

import (
	"context"
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Worker is the contract served by an inspect worker process.
type Worker interface {
	// Configure prepares the worker for a discovery pass.
	Configure(s Settings) error

	// Inspect examines one module.
	Inspect(path string) (Report, error)
}

// Report is the worker's answer for one module.
type Report struct {
	IsPlugin bool
	Details  Details
}

// InspectorPlugin implements the go-plugin Plugin interface for workers.
type InspectorPlugin struct {
	plugin.Plugin
	Impl Worker
}

// Server returns an RPC server for this plugin.
func (p *InspectorPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

// Client returns an RPC client for this plugin.
func (p *InspectorPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &RPCClient{client: c}, nil
}

// RPCServer is the worker-side RPC endpoint.
type RPCServer struct {
	Impl Worker
}

// Configure implements the RPC method for configuration.
func (s *RPCServer) Configure(settings Settings, resp *string) error {
	if err := s.Impl.Configure(settings); err != nil {
		*resp = err.Error()
	}
	return nil
}

// Inspect implements the RPC method for module inspection.
func (s *RPCServer) Inspect(path string, resp *Report) error {
	report, err := s.Impl.Inspect(path)
	if err != nil {
		return err
	}
	*resp = report
	return nil
}

// RPCClient is the host-side RPC stub.
type RPCClient struct {
	client *rpc.Client
}

// Configure calls the remote Configure method.
func (c *RPCClient) Configure(settings Settings) error {
	var errMsg string
	if err := c.client.Call("Plugin.Configure", settings, &errMsg); err != nil {
		return err
	}
	if errMsg != "" {
		return &RPCError{Message: errMsg}
	}
	return nil
}

// Inspect calls the remote Inspect method. A cancelled context abandons the
// call without waiting for the worker.
func (c *RPCClient) Inspect(ctx context.Context, path string) (Report, error) {
	var report Report
	call := c.client.Go("Plugin.Inspect", path, &report, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case <-call.Done:
		return report, call.Error
	}
}

// RPCError represents an error returned from an RPC call.
type RPCError struct {
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return e.Message
}
