// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package pipeline

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"

	"github.com/forge3d/slicerd/printing"
)

// extract unpacks an uploaded archive into a fresh per-request directory
// and returns the first entry with a supported model extension. The
// archive is rejected before any extraction when it is encrypted, has too
// many entries, or declares more content than the configured budget.
func (p *Pipeline) extract(req *Request, zipPath string) (selected, ext string, err error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", "", printing.ErrInvalidSourceGeometry("the archive could not be read")
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	if len(reader.File) > p.config.MaxZipEntries {
		mon.Counter("archive_rejected").Inc(1)
		return "", "", printing.ErrInvalidSourceGeometry("the archive contains too many entries")
	}

	var declared uint64
	for _, entry := range reader.File {
		// bit 0 of the general purpose flags marks an encrypted entry
		if entry.Flags&0x1 != 0 {
			mon.Counter("archive_rejected").Inc(1)
			return "", "", printing.ErrInvalidSourceGeometry("encrypted archives are not supported")
		}
		declared += entry.UncompressedSize64
		if declared > uint64(p.config.MaxZipUncompressedBytes) {
			mon.Counter("archive_rejected").Inc(1)
			return "", "", printing.ErrInvalidSourceGeometry("the archive contents are too large")
		}
	}

	destDir := filepath.Join(p.config.InputDir, uniqueName("extract", ""))
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", "", Error.Wrap(err)
	}
	req.Cleanup.Add(destDir)

	// the declared sizes above are untrusted; budget the actual bytes too
	remaining := p.config.MaxZipUncompressedBytes

	for _, entry := range reader.File {
		target, ok := resolveEntry(destDir, entry.Name)
		if !ok {
			mon.Counter("archive_rejected").Inc(1)
			return "", "", printing.ErrInvalidSourceGeometry("the archive contains an entry escaping the extraction directory")
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0700); err != nil {
				return "", "", Error.Wrap(err)
			}
			continue
		}

		written, err := p.extractEntry(entry, target, remaining)
		if err != nil {
			return "", "", err
		}
		remaining -= written

		if selected == "" {
			if entryExt := strings.ToLower(filepath.Ext(entry.Name)); supportedModelExt(entryExt) {
				selected, ext = target, entryExt
			}
		}
	}

	if selected == "" {
		return "", "", printing.ErrInvalidSourceGeometry("the archive contains no supported model file")
	}
	return selected, ext, nil
}

func (p *Pipeline) extractEntry(entry *zip.File, target string, budget int64) (written int64, err error) {
	rc, err := entry.Open()
	if err != nil {
		return 0, printing.ErrInvalidSourceGeometry("the archive could not be read")
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()

	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return 0, Error.Wrap(err)
	}
	fh, err := os.Create(target)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, fh.Close()) }()

	written, err = io.Copy(fh, io.LimitReader(rc, budget+1))
	if err != nil {
		return written, Error.Wrap(err)
	}
	if written > budget {
		mon.Counter("archive_rejected").Inc(1)
		return written, printing.ErrInvalidSourceGeometry("the archive contents are too large")
	}
	return written, nil
}

// resolveEntry joins an archive entry name onto the extraction root and
// verifies the canonical result stays strictly within it.
func resolveEntry(root, name string) (string, bool) {
	target := filepath.Join(root, filepath.FromSlash(name))
	cleanRoot := filepath.Clean(root) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(target)+string(filepath.Separator), cleanRoot) {
		return "", false
	}
	return target, true
}
