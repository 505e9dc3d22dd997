package op

import (
	"fmt"

	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/kairos-io/diskbuilder/internal/constants"
	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
)

type MountOperation struct {
	FstabEntry      fstab.Mount
	MountOption     mount.Mount
	Target          string
	PrepareCallback func() error
}

// Run mounts the operation target and registers the unmount with the session.
func (m MountOperation) Run(mounter internalUtils.Mounter, session *Session) error {
	// Add context to sublogger
	l := internalUtils.Log.With().Str("what", m.MountOption.Source).Str("where", m.Target).Str("type", m.MountOption.Type).Strs("options", m.MountOption.Options).Logger()

	if m.PrepareCallback != nil {
		if err := m.PrepareCallback(); err != nil {
			l.Warn().Err(err).Msg("executing mount callback")
			return err
		}
	}
	mounted, err := mounter.IsMounted(m.Target)
	if err != nil {
		l.Warn().Err(err).Msg("checking mount status")
		return err
	}
	if mounted {
		l.Debug().Msg("Already mounted")
		return constants.ErrAlreadyMounted
	}
	l.Debug().Msg("mount ready")
	if err = mounter.Mount(m.MountOption.Source, m.Target, m.MountOption.Type, m.MountOption.Options); err != nil {
		return fmt.Errorf("mounting %s on %s: %w", m.MountOption.Source, m.Target, err)
	}
	target := m.Target
	session.Acquire(UnmountResource(target), func() error {
		return mounter.Unmount(target)
	})
	return nil
}

// UnmountResource is the session name of a mount.
func UnmountResource(target string) string {
	return "mount " + target
}
