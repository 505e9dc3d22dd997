package mocks

import (
	"fmt"
	"strings"
)

// FakeRunner records every command and answers with SideEffect when set.
type FakeRunner struct {
	Cmds        [][]string
	ReturnValue []byte
	SideEffect  func(command string, args ...string) ([]byte, error)
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Cmds: [][]string{}}
}

func (r *FakeRunner) Run(command string, args ...string) ([]byte, error) {
	r.Cmds = append(r.Cmds, append([]string{command}, args...))
	if r.SideEffect != nil {
		return r.SideEffect(command, args...)
	}
	return r.ReturnValue, nil
}

func (r *FakeRunner) ClearCmds() {
	r.Cmds = [][]string{}
}

// CmdsMatch checks the recorded commands start with the given prefixes, in order and one by one.
func (r FakeRunner) CmdsMatch(cmdList [][]string) error {
	if len(cmdList) != len(r.Cmds) {
		return fmt.Errorf("number of calls mismatch, expected %d calls but got %d: %v", len(cmdList), len(r.Cmds), r.Cmds)
	}
	for i, cmd := range cmdList {
		expect := strings.Join(cmd, " ")
		got := strings.Join(r.Cmds[i], " ")
		if !strings.HasPrefix(got, expect) {
			return fmt.Errorf("expected command: '%s.*' got: '%s'", expect, got)
		}
	}
	return nil
}

// IncludesCmds checks every given command prefix was run at some point.
func (r FakeRunner) IncludesCmds(cmdList [][]string) error {
	for _, cmd := range cmdList {
		expect := strings.Join(cmd, " ")
		found := false
		for _, rcmd := range r.Cmds {
			if strings.HasPrefix(strings.Join(rcmd, " "), expect) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("command '%s.*' not found", expect)
		}
	}
	return nil
}

// IndexOf returns the position of the first command starting with the prefix, -1 if never run.
func (r FakeRunner) IndexOf(cmd ...string) int {
	expect := strings.Join(cmd, " ")
	for i, rcmd := range r.Cmds {
		if strings.HasPrefix(strings.Join(rcmd, " "), expect) {
			return i
		}
	}
	return -1
}

// MatchMilestones checks the given command prefixes were run in that relative order.
func (r FakeRunner) MatchMilestones(cmdList [][]string) error {
	last := -1
	for _, cmd := range cmdList {
		expect := strings.Join(cmd, " ")
		found := false
		for i := last + 1; i < len(r.Cmds); i++ {
			if strings.HasPrefix(strings.Join(r.Cmds[i], " "), expect) {
				last = i
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("command '%s.*' not found after position %d: %v", expect, last, r.Cmds)
		}
	}
	return nil
}
