package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/falk/nxcodec/internal/logger"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/keys"
	"github.com/falk/nxcodec/pkg/source"
)

func newExtractCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "extract <file.nca|file.ncz>",
		Short: "Write the files of every section of an NCA or NCZ to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			if in.isContainer() {
				return fmt.Errorf("%s: extract works on a single NCA or NCZ", args[0])
			}

			ks, err := loadKeys()
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = outputPath(args[0], "", "")
			}
			return extractContent(cmd.Context(), cmd.OutOrStdout(), in.src, args[0], ks, outDir)
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "Output directory (default: input without extension)")
	return cmd
}

func extractContent(ctx context.Context, stdout io.Writer, src source.Source, name string, ks *keys.KeySet, outDir string) error {
	c, err := openContent(src, name, ks)
	if err != nil {
		return err
	}
	defer c.Close()
	if c.ncz != nil && !c.ncz.File().IsBlock() {
		return fmt.Errorf("%s: %w: solid NCZs are sequential only, decompress first", name, nxerrors.ErrNotSeekable)
	}

	named, err := c.Collections()
	if err != nil {
		return err
	}

	var count int
	for _, ns := range named {
		for _, f := range ns.Collections {
			rel := filepath.Join(ns.Name, filepath.FromSlash(f.Name))
			if !filepath.IsLocal(rel) {
				return nxerrors.Corrupt("%s: file name %q escapes the output directory", ns.Name, f.Name)
			}
			dst := filepath.Join(outDir, rel)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := extractFile(ctx, dst, c, f.Offset, f.Size); err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			fmt.Fprintln(stdout, rel)
			count++
		}
	}
	logger.LogInfo("Extracted files", map[string]interface{}{"dir": outDir, "count": count})
	return nil
}

func extractFile(ctx context.Context, dst string, src source.Source, off, size int64) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = copyRange(ctx, out, src, off, size)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
