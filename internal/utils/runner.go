package utils

import (
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external tools. Every tool the engine drives goes through it.
type Runner interface {
	Run(command string, args ...string) ([]byte, error)
}

type RealRunner struct{}

// Run executes the command and returns its combined output.
// A failure carries the command line and the tool output.
func (r RealRunner) Run(command string, args ...string) ([]byte, error) {
	l := Log.With().Str("cmd", command).Strs("args", args).Logger()
	l.Debug().Msg("running command")
	out, err := exec.Command(command, args...).CombinedOutput()
	if err != nil {
		l.Debug().Err(err).Str("output", string(out)).Msg("command failed")
		return out, fmt.Errorf("running %s %s: %w: %s", command, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
