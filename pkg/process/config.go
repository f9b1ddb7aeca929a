// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v2"
)

// SaveConfig writes the current flag values of cmd to outfile as nested
// yaml, so the file can be read back through the config merging in Exec.
func SaveConfig(cmd *cobra.Command, outfile string) error {
	settings := map[string]interface{}{}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" || f.Hidden {
			return
		}
		if strings.HasPrefix(f.Name, "log.") || strings.HasPrefix(f.Name, "debug.") {
			return
		}
		insertNested(settings, strings.Split(f.Name, "."), f.Value.String())
	})

	data, err := yaml.Marshal(settings)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(AtomicWrite(outfile, 0600, data))
}

func insertNested(settings map[string]interface{}, path []string, value string) {
	if len(path) == 1 {
		settings[path[0]] = value
		return
	}
	child, ok := settings[path[0]].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		settings[path[0]] = child
	}
	insertNested(child, path[1:], value)
}

// AtomicWrite writes data to a sibling temp file and renames it over
// outfile, so a crash mid-write cannot leave a corrupt file behind.
func AtomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close())
			err = errs.Combine(err, os.Remove(fh.Name()))
		}
	}()
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Chmod(mode); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Rename(fh.Name(), outfile); err != nil {
		return errs.Wrap(err)
	}
	return nil
}
