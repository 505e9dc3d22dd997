package utils

import "path/filepath"

// SyncTree copies source into target with rsync, keeping acls, xattrs and hardlinks.
// Excludes are relative to the source root.
func SyncTree(r Runner, source, target string, excludes []string) error {
	args := []string{"-aqAXH", "--one-file-system", "--inplace"}
	for _, e := range excludes {
		args = append(args, "--exclude", filepath.Join("/", e))
	}
	args = append(args, AppendSlash(source), AppendSlash(target))
	_, err := r.Run("rsync", args...)
	return err
}
