// Package source opens the seekable byte sources a seeknet server can serve.
package source

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Source kinds.
const (
	KindFile = "file"
	KindSMB  = "smb"
)

// Config selects and locates a source.
type Config struct {
	Kind string `yaml:"kind" json:"kind"`
	// Path is a local path for KindFile and a path inside the share for KindSMB.
	Path string    `yaml:"path" json:"path"`
	SMB  SMBConfig `yaml:"smb" json:"smb"`
}

// Open opens the source described by cfg. An empty Kind means KindFile.
func Open(cfg Config) (io.ReadSeekCloser, error) {
	if cfg.Path == "" {
		return nil, errors.New("source path is empty")
	}

	switch cfg.Kind {
	case "", KindFile:
		f, err := OpenFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case KindSMB:
		return OpenSMB(cfg.SMB, cfg.Path)
	default:
		return nil, errors.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// OpenFile opens a local file read-only.
func OpenFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open source file")
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat source file")
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, errors.Errorf("source %s is a directory", path)
	}
	return f, nil
}
