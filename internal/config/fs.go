package config

import (
	"errors"
	"io/fs"
	"os"
)

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }

func chmodPrivate(path string) error { return os.Chmod(path, 0o600) }
