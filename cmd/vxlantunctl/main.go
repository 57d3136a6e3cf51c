// vxlantunctl is the CLI client for the vxlantund daemon's control API.
package main

import "github.com/vxlantun/vxlantund/cmd/vxlantunctl/commands"

func main() {
	commands.Execute()
}
