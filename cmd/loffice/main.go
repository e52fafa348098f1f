package main

import (
	"os"

	"github.com/mgeeky/loffice/cmd/loffice/cmds"
	"github.com/mgeeky/loffice/pkg/logflags"
	"github.com/mgeeky/loffice/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.LofficeVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		logflags.SessionLogger().Error(err)
		os.Exit(1)
	}
}
