package utils

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kairos-io/diskbuilder/internal/constants"
	"github.com/twpayne/go-vfs/v4"
)

// ReadEnv parses an env file (KEY="value" lines) from the given fs.
func ReadEnv(fs vfs.FS, file string) (map[string]string, error) {
	f, err := fs.Open(file)
	if err != nil {
		return map[string]string{}, err
	}
	defer f.Close()
	return godotenv.Parse(f)
}

// WriteEnv writes the map as a sorted env file with every value quoted.
func WriteEnv(fs vfs.FS, file string, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=\"%s\"\n", k, env[k])
	}
	return fs.WriteFile(file, []byte(b.String()), 0o644)
}

// EngineConfig is the engine wide configuration read from the env file.
type EngineConfig struct {
	Workdir                  string
	Debug                    bool
	BootPartitionFilesystems []string
}

// LoadEngineConfig reads the env file if present, values already in the environment win.
func LoadEngineConfig(fs vfs.FS, file string, environ func(string) string) EngineConfig {
	env, err := ReadEnv(fs, file)
	if err != nil {
		Log.Debug().Err(err).Str("file", file).Msg("no engine config file")
	}
	get := func(key string) string {
		if v := environ(key); v != "" {
			return v
		}
		return env[key]
	}
	c := EngineConfig{
		Workdir: get(constants.EnvWorkdir),
		Debug:   get(constants.EnvDebug) != "",
	}
	if c.Workdir == "" {
		c.Workdir = "/var/tmp/diskbuilder"
	}
	for _, f := range strings.FieldsFunc(get(constants.EnvBootPartitionFSList), func(r rune) bool { return r == ',' || r == ' ' }) {
		c.BootPartitionFilesystems = append(c.BootPartitionFilesystems, f)
	}
	return c
}
