// Command bridge connects tenant WhatsApp accounts to the reply generator.
package main

import (
	"fmt"
	"os"

	"github.com/whatsapp-automation/bridge/cmd/bridge/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
