package op

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
)

type release struct {
	name string
	fn   func() error
}

// Session tracks the OS resources acquired during a build (loop devices, mounts,
// arrays, volume groups) and releases them in reverse acquisition order.
type Session struct {
	releases []release
}

func NewSession() *Session {
	return &Session{}
}

// Acquire registers the release of a resource that was just acquired.
func (s *Session) Acquire(name string, fn func() error) {
	internalUtils.Log.Debug().Str("resource", name).Msg("acquired")
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// Release runs and forgets the release registered under name, for resources freed before the session ends.
func (s *Session) Release(name string) error {
	for i := len(s.releases) - 1; i >= 0; i-- {
		if s.releases[i].name == name {
			r := s.releases[i]
			s.releases = append(s.releases[:i], s.releases[i+1:]...)
			return r.fn()
		}
	}
	return fmt.Errorf("resource %s not held by the session", name)
}

// Pending lists the resources still held, most recent last.
func (s *Session) Pending() []string {
	var names []string
	for _, r := range s.releases {
		names = append(names, r.name)
	}
	return names
}

// Close releases everything still held. Every release runs even if some fail,
// failures are logged and returned together.
func (s *Session) Close() error {
	var result *multierror.Error
	for len(s.releases) > 0 {
		r := s.releases[len(s.releases)-1]
		s.releases = s.releases[:len(s.releases)-1]
		internalUtils.Log.Debug().Str("resource", r.name).Msg("releasing")
		if err := r.fn(); err != nil {
			internalUtils.Log.Err(err).Str("resource", r.name).Msg("releasing resource")
			result = multierror.Append(result, fmt.Errorf("releasing %s: %w", r.name, err))
		}
	}
	return result.ErrorOrNil()
}
