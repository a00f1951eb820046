package inspect

import (
	"github.com/hashicorp/go-plugin"
)

// PluginName is the go-plugin name the worker serves the inspector under.
const PluginName = "inspector"

// Handshake guards the worker process against being run directly or by an
// incompatible host.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PACKDOCK_INSPECT_WORKER",
	MagicCookieValue: "packdock_module_inspector",
}
