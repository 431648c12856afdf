// Package fs holds some utilities for manipulating the file system
package fs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
)

const defaultDirectoryPermission = 0740

// ErrFileExists is returned by CreateWriteOnce when the target already exists.
var ErrFileExists = errors.New("file already exists")

// HomeFolder returns the home folder of the current user
func HomeFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}

// CreateSecureFolder creates the folder if it doesn't exist. An existing
// folder open to others is tightened to 0740. The empty string is returned
// when the folder cannot be created or fixed.
func CreateSecureFolder(folder string) string {
	if exists, _ := Exists(folder); !exists {
		if err := os.MkdirAll(folder, defaultDirectoryPermission); err != nil {
			return ""
		}
		return folder
	}
	info, err := os.Lstat(folder)
	if err != nil || !info.IsDir() {
		return ""
	}
	if info.Mode().Perm()&0007 != 0 {
		if err := os.Chmod(folder, defaultDirectoryPermission); err != nil {
			return ""
		}
	}
	return folder
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

// CreateSecureFile creates a file with wr permission for user only and returns
// the file handle.
func CreateSecureFile(file string) (*os.File, error) {
	return os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
}

// CreateWriteOnce writes data to a new file readable only by the user. It
// fails with ErrFileExists rather than overwrite an existing file.
func CreateWriteOnce(file string, data []byte) error {
	fd, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", file, ErrFileExists)
		}
		return err
	}
	if _, err := fd.Write(data); err != nil {
		_ = fd.Close()
		return err
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		return err
	}
	return fd.Close()
}

// Files returns the sorted list of file names included in the given path or
// error if any.
func Files(folderPath string) ([]string, error) {
	fi, err := os.ReadDir(folderPath)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range fi {
		if !f.IsDir() {
			files = append(files, path.Join(folderPath, f.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FileExists returns true if the given name is a file in the given path. name
// must be the "basename" of the file and path must be the folder where it lies.
func FileExists(folderPath, name string) bool {
	list, err := Files(folderPath)
	if err != nil {
		return false
	}
	full := path.Join(folderPath, name)
	for _, l := range list {
		if l == full {
			return true
		}
	}
	return false
}
