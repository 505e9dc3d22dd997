package utils

import (
	"errors"
	"os"
	"strings"

	"github.com/kairos-io/diskbuilder/internal/constants"
	"github.com/twpayne/go-vfs/v4"
)

var ErrAlreadyMounted = constants.ErrAlreadyMounted

// UniqueSlice removes duplicated entries from a slice
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var list []string
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}

// AppendSlash it's in the name. Appends a slash.
func AppendSlash(path string) string {
	if !strings.HasSuffix(path, "/") {
		return path + "/"
	}
	return path
}

// CreateIfNotExists will check if a path exists and create it if needed.
func CreateIfNotExists(fs vfs.FS, path string) error {
	if _, err := fs.Stat(path); errors.Is(err, os.ErrNotExist) {
		return vfs.MkdirAll(fs, path, os.ModePerm)
	}
	return nil
}

// Exists reports whether the path exists on the given fs.
func Exists(fs vfs.FS, path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}

// BlockID reads a single blkid tag from a live device, empty if the tag is not set.
func BlockID(r Runner, device, tag string) string {
	out, err := r.Run("blkid", device, "-s", tag, "-o", "value")
	if err != nil {
		Log.Debug().Err(err).Str("device", device).Str("tag", tag).Msg("blkid")
		return ""
	}
	return strings.TrimSpace(string(out))
}
