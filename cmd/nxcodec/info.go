package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/falk/nxcodec/pkg/fs"
	"github.com/falk/nxcodec/pkg/keys"
	"github.com/falk/nxcodec/pkg/nca"
	"github.com/falk/nxcodec/pkg/source"
)

func newInfoCmd() *cobra.Command {
	var listFiles bool

	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Show the headers and files of an NCA, NCZ, NSP, NSZ or XCI",
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
			out := cmd.OutOrStdout()

			if !in.isContainer() {
				return printContent(out, in.src, args[0], ks, listFiles)
			}

			if in.ext == ".xci" || in.ext == ".xcz" {
				parts, err := fs.Xci{}.Partitions(in.src, 0, -1)
				if err != nil {
					return err
				}
				for _, p := range parts {
					fmt.Fprintf(out, "partition %-8s %d files\n", p.Name, len(p.Collections))
				}
			}

			cols, err := in.collections()
			if err != nil {
				return err
			}
			addTickets(ks, in.src, cols)

			for _, c := range cols {
				fmt.Fprintf(out, "%s  0x%x bytes\n", c.Name, c.Size)
				if !isNca(c.Name) && !isNcz(c.Name) {
					continue
				}
				if err := printContent(out, source.NewSection(in.src, c.Offset, c.Size), c.Name, ks, listFiles); err != nil {
					fmt.Fprintf(out, "  error: %v\n", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&listFiles, "files", "f", false, "List the files of every section")
	return cmd
}

func printContent(out io.Writer, src source.Source, name string, ks *keys.KeySet, listFiles bool) error {
	c, err := openContent(src, name, ks)
	if err != nil {
		return err
	}
	defer c.Close()

	h := c.Header()
	rights := "none"
	if h.HasRightsID() {
		rights = fmt.Sprintf("%x", h.RightsID)
	}
	gen := h.KeyGeneration()
	fmt.Fprintf(out, "  %s %s, program id %016x, key generation %d (%s), rights id %s\n",
		h.DistributionType, h.ContentType, h.ProgramID, gen, nca.KeyGenerationString(gen), rights)
	if c.ncz != nil {
		mode := "solid"
		if c.ncz.File().IsBlock() {
			mode = fmt.Sprintf("block 2^%d", c.ncz.File().Block.BlockSizeExp)
		}
		fmt.Fprintf(out, "  ncz: %s, %d sections\n", mode, len(c.ncz.File().Sections))
	}

	for _, s := range c.Sections() {
		fmt.Fprintf(out, "  section %d: %s %s [0x%x, 0x%x)\n",
			s.Index, s.Header.FsType, s.Header.EncryptionType, s.Offset, s.Offset+s.Size)
	}
	if !listFiles {
		return nil
	}

	named, err := c.Collections()
	if err != nil {
		return err
	}
	for _, ns := range named {
		fmt.Fprintf(out, "  %s:\n", ns.Name)
		for _, f := range ns.Collections {
			fmt.Fprintf(out, "    %-40s 0x%x\n", f.Name, f.Size)
		}
	}
	return nil
}
