package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

const (
	// ExitCodeSuccess is the exit code for a successful run.
	ExitCodeSuccess int = iota
	// ExitCodeFlagParseError is the exit code for a flag parsing error.
	ExitCodeFlagParseError
	// ExitCodeArchivePatcherError is the exit code for a failure surfaced
	// by the generator or applier library packages.
	ExitCodeArchivePatcherError
	// ExitCodeUnknownError is the exit code for anything else.
	ExitCodeUnknownError
)

// ErrFlagParse marks a CLI flag-validation failure, distinguished from
// library errors so ExitErrHandler can pick the right exit code.
var ErrFlagParse = errors.New("parsing flags")

func newApp() *cli.App {
	return &cli.App{
		Name:                 filepath.Base(os.Args[0]),
		Usage:                "Generate and apply byte-level patches between ZIP archives.",
		Description:          "archive-patcher diffs and patches ZIP archives by looking through their DEFLATE compression to the underlying file bytes.",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			makePatchCommand(),
			applyPatchCommand(),
		},
		ExitErrHandler: func(c *cli.Context, err error) {
			if err == nil {
				return
			}
			_, _ = fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", c.App.Name, err)
			switch {
			case errors.Is(err, ErrFlagParse):
				cli.OsExiter(ExitCodeFlagParseError)
			case patcherr.IsArchivePatcherError(err):
				cli.OsExiter(ExitCodeArchivePatcherError)
			default:
				cli.OsExiter(ExitCodeUnknownError)
			}
		},
	}
}
