package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/patch"
)

func makePatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "make-patch",
		Usage: "Compute a patch transforming an old ZIP archive into a new one.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "old", Required: true, Usage: "path to the old archive"},
			&cli.StringFlag{Name: "new", Required: true, Usage: "path to the new archive"},
			&cli.StringFlag{Name: "out", Required: true, Usage: "path to write the patch to"},
			&cli.IntFlag{Name: "jobs", Value: 1, Usage: "maximum concurrent divination workers"},
			&cli.Int64Flag{Name: "recompression-limit", Usage: "cap, in bytes, on total uncompress-both candidate size (0 = unlimited)"},
			&cli.Int64Flag{Name: "embedded-limit-bytes", Usage: "reserved for nested-archive recursion; currently has no effect"},
		},
		Action: func(c *cli.Context) error {
			if c.String("old") == "" || c.String("new") == "" || c.String("out") == "" {
				return fmt.Errorf("%w: --old, --new, and --out are required", ErrFlagParse)
			}
			return runMakePatch(c.Context, c.String("old"), c.String("new"), c.String("out"), c.Int("jobs"), c.Int64("recompression-limit"))
		},
	}
}

func runMakePatch(ctx context.Context, oldPath, newPath, outPath string, jobs int, recompressionLimit int64) error {
	oldFile, err := os.Open(oldPath)
	if err != nil {
		return fmt.Errorf("opening old archive: %w", err)
	}
	defer oldFile.Close()
	newFile, err := os.Open(newPath)
	if err != nil {
		return fmt.Errorf("opening new archive: %w", err)
	}
	defer newFile.Close()

	oldSrc, err := bytesource.NewFileWhole(oldFile)
	if err != nil {
		return fmt.Errorf("reading old archive: %w", err)
	}
	newSrc, err := bytesource.NewFileWhole(newFile)
	if err != nil {
		return fmt.Errorf("reading new archive: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating patch file: %w", err)
	}
	defer out.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	return patch.Generate(ctx, oldSrc, newSrc, patch.GenerateOptions{
		Jobs:                    jobs,
		RecompressionLimitBytes: recompressionLimit,
	}, out)
}
