package main

import (
	"os"

	"github.com/reredirect/reredirect/cmd/reredirect/cmds"
	"github.com/reredirect/reredirect/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.ReredirectVersion.Build = Build
	}
	os.Exit(cmds.Execute(cmds.Env{}, os.Args[1:], os.Stdout, os.Stderr))
}
