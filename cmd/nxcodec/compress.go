package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxcodec/internal/config"
	"github.com/falk/nxcodec/internal/logger"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/fs"
	"github.com/falk/nxcodec/pkg/keys"
	"github.com/falk/nxcodec/pkg/source"
)

func newCompressCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "compress <file.nsp|file.xci|file.nca>",
		Short: "Compress an NSP or XCI to NSZ, or an NCA to NCZ",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			ks, err := loadKeys()
			if err != nil {
				return err
			}

			if in.isContainer() {
				return compressContainer(cmd.Context(), cmd.OutOrStdout(), in, ks, outputPath(args[0], output, ".nsz"))
			}
			return compressSingle(cmd.Context(), in, ks, outputPath(args[0], output, ".ncz"))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "Output file (default: input with .nsz/.ncz extension)")
	f.IntP("level", "l", 18, "Compression level (1-22, higher = slower but smaller)")
	f.IntP("threads", "t", 0, "Compression threads (0 = one per CPU)")
	f.Bool("long", false, "Enable long distance matching")
	f.BoolP("block", "B", false, "Write block compressed NCZs that allow random access")
	f.Int("block-exponent", 20, "Block size as a power of two (14-32)")
	return cmd
}

func compressSingle(ctx context.Context, in *input, ks *keys.KeySet, outPath string) error {
	c, err := openContent(in.src, in.path, ks)
	if err != nil {
		return err
	}
	defer c.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}

	_, err = config.Instance.Compressor().Compress(ctx, c.Reader, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return err
	}
	logger.LogInfo("Wrote NCZ", map[string]interface{}{"path": outPath})
	return nil
}

func compressContainer(ctx context.Context, stdout io.Writer, in *input, ks *keys.KeySet, outPath string) error {
	files, err := in.collections()
	if err != nil {
		return err
	}
	addTickets(ks, in.src, files)

	// Prepare output file list (names change .nca -> .ncz)
	outputNames := make([]string, len(files))
	contents := make([]*content, len(files))
	defer func() {
		for _, c := range contents {
			if c != nil {
				c.Close()
			}
		}
	}()

	for i, file := range files {
		outputNames[i] = file.Name
		if !isNca(file.Name) || file.Size <= 0x4000 {
			continue
		}
		c, err := openContent(source.NewSection(in.src, file.Offset, file.Size), file.Name, ks)
		if err != nil {
			return err
		}
		if !c.CompressionEligible() {
			c.Close()
			continue
		}
		contents[i] = c
		outputNames[i] = file.Name[:len(file.Name)-4] + ".ncz"
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	err = writeContainer(ctx, stdout, out, in, files, outputNames, contents)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s\n", outPath)
	return nil
}

func writeContainer(ctx context.Context, stdout io.Writer, out *os.File, in *input, files []fs.Collection, outputNames []string, contents []*content) error {
	writer, err := fs.NewPfs0Writer(out, outputNames)
	if err != nil {
		return err
	}

	compressor := config.Instance.Compressor()
	for i, file := range files {
		fmt.Fprintf(stdout, "[%d/%d] %s -> %s... ", i+1, len(files), file.Name, outputNames[i])

		var n int64
		if c := contents[i]; c != nil {
			n, err = writer.AddWith(i, func(w io.Writer) (int64, error) {
				return compressor.Compress(ctx, c.Reader, w)
			})
		} else {
			n, err = writer.AddWith(i, func(w io.Writer) (int64, error) {
				return copyRange(ctx, w, in.src, file.Offset, file.Size)
			})
		}
		if err != nil {
			fmt.Fprintln(stdout, "failed")
			logger.LogError("Failed to write container entry", err, map[string]interface{}{"name": file.Name})
			if errors.Is(err, nxerrors.ErrCancelled) {
				return err
			}
			return fmt.Errorf("%s: %w", file.Name, err)
		}
		fmt.Fprintf(stdout, "0x%x -> 0x%x\n", file.Size, n)
	}
	return writer.Close()
}
