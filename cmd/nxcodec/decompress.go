package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxcodec/internal/config"
	"github.com/falk/nxcodec/internal/logger"
	"github.com/falk/nxcodec/pkg/fs"
	"github.com/falk/nxcodec/pkg/nsz"
	"github.com/falk/nxcodec/pkg/source"
)

func newDecompressCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "decompress <file.nsz|file.ncz>",
		Short: "Restore an NSZ to NSP, or an NCZ to NCA",
		Long: `decompress rebuilds the original encrypted NCAs. No keys are needed: the
NCZ section table carries everything required to re-encrypt the payload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			var outPath string
			if in.isContainer() {
				outPath = outputPath(args[0], output, ".nsp")
			} else {
				outPath = outputPath(args[0], output, ".nca")
			}
			out, err := os.Create(outPath)
			if err != nil {
				return err
			}

			if in.isContainer() {
				err = decompressContainer(cmd.Context(), cmd.OutOrStdout(), out, in)
			} else {
				_, err = decompressNcz(cmd.Context(), out, in.src)
			}
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(outPath)
				return err
			}
			logger.LogInfo("Decompressed", map[string]interface{}{"path": outPath})
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: input with .nsp/.nca extension)")
	return cmd
}

// decompressNcz writes the NCA held in the NCZ src to w.
func decompressNcz(ctx context.Context, w io.Writer, src source.Source) (int64, error) {
	ns, err := nsz.OpenNcaWithCache(src, config.Instance.Cache.BlockBytes)
	if err != nil {
		return 0, err
	}
	defer ns.Close()
	return copyRange(ctx, w, ns, 0, ns.Size())
}

func decompressContainer(ctx context.Context, stdout io.Writer, out *os.File, in *input) error {
	files, err := in.collections()
	if err != nil {
		return err
	}

	names := make([]string, len(files))
	for i, file := range files {
		names[i] = file.Name
		if isNcz(file.Name) {
			names[i] = file.Name[:len(file.Name)-4] + ".nca"
		}
	}

	writer, err := fs.NewPfs0Writer(out, names)
	if err != nil {
		return err
	}
	for i, file := range files {
		fmt.Fprintf(stdout, "[%d/%d] %s -> %s... ", i+1, len(files), file.Name, names[i])
		sec := source.NewSection(in.src, file.Offset, file.Size)

		n, err := writer.AddWith(i, func(w io.Writer) (int64, error) {
			if isNcz(file.Name) {
				return decompressNcz(ctx, w, sec)
			}
			return copyRange(ctx, w, sec, 0, file.Size)
		})
		if err != nil {
			fmt.Fprintln(stdout, "failed")
			logger.LogError("Failed to write container entry", err, map[string]interface{}{"name": file.Name})
			return fmt.Errorf("%s: %w", file.Name, err)
		}
		fmt.Fprintf(stdout, "0x%x -> 0x%x\n", file.Size, n)
	}
	return writer.Close()
}
