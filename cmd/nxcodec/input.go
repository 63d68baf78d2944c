package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/falk/nxcodec/internal/config"
	"github.com/falk/nxcodec/internal/logger"
	nxerrors "github.com/falk/nxcodec/pkg/errors"
	"github.com/falk/nxcodec/pkg/fs"
	"github.com/falk/nxcodec/pkg/keys"
	"github.com/falk/nxcodec/pkg/nca"
	"github.com/falk/nxcodec/pkg/nsz"
	"github.com/falk/nxcodec/pkg/source"
)

// input is an opened file, or a directory of FAT32 split parts named 00,
// 01, ... joined into one source.
type input struct {
	path  string
	ext   string
	src   source.Source
	files []*os.File
}

func openInput(path string) (*input, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	in := &input{path: path, ext: strings.ToLower(filepath.Ext(path))}

	if !fi.IsDir() {
		src, f, err := source.OpenFile(path)
		if err != nil {
			return nil, err
		}
		in.files = append(in.files, f)
		in.src = source.NewBuffered(src, 0, 0)
		return in, nil
	}

	names, err := splitParts(path)
	if err != nil {
		return nil, err
	}
	var parts []fs.Part
	for _, name := range names {
		src, f, err := source.OpenFile(filepath.Join(path, name))
		if err != nil {
			in.Close()
			return nil, err
		}
		in.files = append(in.files, f)
		parts = append(parts, fs.Part{Src: src})
	}
	joined, _ := fs.Concat(parts...)
	in.src = source.NewBuffered(joined, 0, 0)

	logger.LogDebug("Joined split parts", map[string]interface{}{
		"path":  path,
		"parts": len(parts),
		"size":  joined.Size(),
	})
	return in, nil
}

// splitParts returns the numbered part files of dir in order.
func splitParts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && len(e.Name()) == 2 && strings.Trim(e.Name(), "0123456789") == "" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: no split parts (00, 01, ...) found", dir)
	}
	sort.Strings(names)
	for i, name := range names {
		if name != fmt.Sprintf("%02d", i) {
			return nil, fmt.Errorf("%s: split part %02d is missing", dir, i)
		}
	}
	return names, nil
}

func (in *input) Close() error {
	var errs []error
	for _, f := range in.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

func (in *input) isContainer() bool {
	switch in.ext {
	case ".nsp", ".nsz", ".xci", ".xcz":
		return true
	}
	return false
}

// collections lists the files of an NSP, NSZ, XCI or XCZ.
func (in *input) collections() ([]fs.Collection, error) {
	var c fs.Container = fs.Pfs0{}
	if in.ext == ".xci" || in.ext == ".xcz" {
		c = fs.Xci{}
	}
	return c.GetCollections(in.src, 0, -1)
}

func loadKeys() (*keys.KeySet, error) {
	var ks *keys.KeySet
	var err error
	if config.Instance.KeysFile != "" {
		ks, err = keys.Load(config.Instance.KeysFile)
	} else {
		ks, err = keys.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	return ks, nil
}

// addTickets loads every ticket in cols into ks.
func addTickets(ks *keys.KeySet, src source.Source, cols []fs.Collection) {
	for _, c := range cols {
		if !strings.EqualFold(filepath.Ext(c.Name), ".tik") {
			continue
		}
		raw := make([]byte, c.Size)
		if err := source.ReadFull(src, raw, c.Offset); err != nil {
			logger.LogWarn("Failed to read ticket", map[string]interface{}{"name": c.Name, "error": err.Error()})
			continue
		}
		t, err := keys.ParseTicket(raw)
		if err != nil {
			logger.LogWarn("Skipping unreadable ticket", map[string]interface{}{"name": c.Name, "error": err.Error()})
			continue
		}
		ks.AddTicket(t)
		logger.LogDebug("Loaded ticket", map[string]interface{}{
			"rights_id": t.RightsIDString(),
			"type":      t.TitleKeyType.String(),
		})
	}
}

func isNcz(name string) bool { return strings.EqualFold(filepath.Ext(name), ".ncz") }

func isNca(name string) bool { return strings.EqualFold(filepath.Ext(name), ".nca") }

// content is an opened NCA, possibly read through an NCZ.
type content struct {
	*nca.Reader
	ncz *nsz.NcaSource
}

func (c *content) Close() error {
	if c.ncz != nil {
		return c.ncz.Close()
	}
	return nil
}

// openContent opens the NCA or NCZ named name held in src.
func openContent(src source.Source, name string, ks *keys.KeySet) (*content, error) {
	c := &content{}
	if isNcz(name) {
		ns, err := nsz.OpenNcaWithCache(src, config.Instance.Cache.BlockBytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		c.ncz = ns
		src = ns
	}

	r, err := nca.Open(src, ks, config.Instance.NcaOptions())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	c.Reader = r
	return c, nil
}

// copyRange copies size bytes of src starting at off to w.
func copyRange(ctx context.Context, w io.Writer, src source.Source, off, size int64) (int64, error) {
	buf := make([]byte, 4<<20)
	var written int64
	for written < size {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: %v", nxerrors.ErrCancelled, err)
		}
		chunk := buf[:min(int64(len(buf)), size-written)]
		if err := source.ReadFull(src, chunk, off+written); err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// outputPath derives the output name by swapping the extension.
func outputPath(in, out, ext string) string {
	if out != "" {
		return out
	}
	in = strings.TrimSuffix(in, string(filepath.Separator))
	return strings.TrimSuffix(in, filepath.Ext(in)) + ext
}
