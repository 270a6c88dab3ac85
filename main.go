// Command osdp drives a Control Panel or Peripheral Device engine from
// a YAML config file.
package main

import "github.com/osdp-go/osdp/cmd"

func main() {
	cmd.Execute()
}
