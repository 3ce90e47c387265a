package main

import (
	"os"

	"github.com/libudi/udi/cmd/udi/cmds"
	"github.com/libudi/udi/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.UDIVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
