package mocks

import (
	"errors"
	"fmt"
)

type FakeMount struct {
	Source  string
	Target  string
	Type    string
	Options []string
}

// FakeMounter keeps track of active mounts in memory.
type FakeMounter struct {
	Mounts         []FakeMount
	Unmounted      []string
	ErrorOnMount   bool
	ErrorOnUnmount bool
}

func NewFakeMounter() *FakeMounter {
	return &FakeMounter{}
}

func (m *FakeMounter) Mount(source, target, fsType string, options []string) error {
	if m.ErrorOnMount {
		return errors.New("mount error")
	}
	for _, mnt := range m.Mounts {
		if mnt.Target == target {
			return fmt.Errorf("already mounted: %s", target)
		}
	}
	m.Mounts = append(m.Mounts, FakeMount{Source: source, Target: target, Type: fsType, Options: options})
	return nil
}

func (m *FakeMounter) Unmount(target string) error {
	if m.ErrorOnUnmount {
		return errors.New("unmount error")
	}
	for i, mnt := range m.Mounts {
		if mnt.Target == target {
			m.Mounts = append(m.Mounts[:i], m.Mounts[i+1:]...)
			m.Unmounted = append(m.Unmounted, target)
			return nil
		}
	}
	return fmt.Errorf("not mounted: %s", target)
}

func (m *FakeMounter) IsMounted(target string) (bool, error) {
	for _, mnt := range m.Mounts {
		if mnt.Target == target {
			return true, nil
		}
	}
	return false, nil
}
