package main

import (
	"os"

	"github.com/ekaya-inc/ekaya-builder/cmd"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := cmd.Execute(Version); err != nil {
		os.Exit(1)
	}
}
