package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/patch"
)

func applyPatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "apply-patch",
		Usage: "Apply a patch to an old ZIP archive, producing the new one.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "old", Required: true, Usage: "path to the old archive"},
			&cli.StringFlag{Name: "patch", Required: true, Usage: "path to the patch to apply"},
			&cli.StringFlag{Name: "out", Required: true, Usage: "path to write the reconstructed archive to"},
		},
		Action: func(c *cli.Context) error {
			if c.String("old") == "" || c.String("patch") == "" || c.String("out") == "" {
				return fmt.Errorf("%w: --old, --patch, and --out are required", ErrFlagParse)
			}
			return runApplyPatch(c.String("old"), c.String("patch"), c.String("out"))
		},
	}
}

func runApplyPatch(oldPath, patchPath, outPath string) error {
	oldFile, err := os.Open(oldPath)
	if err != nil {
		return fmt.Errorf("opening old archive: %w", err)
	}
	defer oldFile.Close()
	oldSrc, err := bytesource.NewFileWhole(oldFile)
	if err != nil {
		return fmt.Errorf("reading old archive: %w", err)
	}

	patchFile, err := os.Open(patchPath)
	if err != nil {
		return fmt.Errorf("opening patch: %w", err)
	}
	defer patchFile.Close()
	container, err := patch.Read(patchFile)
	if err != nil {
		return fmt.Errorf("decoding patch: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating output archive: %w", err)
	}
	defer out.Close()

	return patch.Apply(oldSrc, container, out)
}
