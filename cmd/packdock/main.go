// packdock manages the plugin packs of a host application: it discovers
// installed plugin modules, reads their metadata, and enables or disables
// them by renaming their files.
package main

import "github.com/jmylchreest/packdock/internal/cli"

func main() {
	cli.Execute()
}
