package schema

import (
	"path/filepath"

	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
)

type ResultFile struct {
	Filename     string `yaml:"filename"`
	UseForBundle bool   `yaml:"use_for_bundle"`
	Compress     bool   `yaml:"compress"`
	Shasum       bool   `yaml:"shasum"`
}

// BuildResult records the files produced by a build.
type BuildResult struct {
	ImageName string                `yaml:"image_name"`
	Version   string                `yaml:"version,omitempty"`
	Files     map[string]ResultFile `yaml:"files"`
}

func NewBuildResult(name, version string) *BuildResult {
	return &BuildResult{ImageName: name, Version: version, Files: map[string]ResultFile{}}
}

func (r *BuildResult) Add(key string, file ResultFile) {
	r.Files[key] = file
}

// Write stores the record as <dir>/<image>.result.yaml and returns its path.
func (r *BuildResult) Write(fs vfs.FS, dir string) (string, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, r.ImageName+".result.yaml")
	return path, fs.WriteFile(path, data, 0o644)
}
