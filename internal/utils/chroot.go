/*
Copyright © 2022 SUSE LLC
Copyright © 2023 Kairos authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
)

// Host paths bind mounted into the image before running its tools.
var chrootBinds = []string{"/dev", "/proc", "/sys", "/run", "/tmp"}

// Chroot runs tools of the image under construction against its mounted root.
type Chroot struct {
	root    string
	binds   []string
	active  []string
	fs      vfs.FS
	mounter Mounter
	runner  Runner
}

func NewChroot(fs vfs.FS, mounter Mounter, runner Runner, root string) *Chroot {
	return &Chroot{
		root:    root,
		binds:   chrootBinds,
		fs:      fs,
		mounter: mounter,
		runner:  runner,
	}
}

// Prepare bind mounts the host paths into the root. On failure the mounts done so far are undone.
func (c *Chroot) Prepare() (err error) {
	if len(c.active) > 0 {
		return errors.New("chroot already prepared")
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()
	for _, bind := range c.binds {
		target := filepath.Join(c.root, bind)
		if err = CreateIfNotExists(c.fs, target); err != nil {
			return fmt.Errorf("creating bind target %s: %w", target, err)
		}
		if err = c.mounter.Mount(bind, target, "bind", []string{"rbind"}); err != nil {
			Log.Err(err).Str("what", bind).Str("where", target).Msg("bind mount")
			return fmt.Errorf("bind mounting %s: %w", bind, err)
		}
		c.active = append(c.active, target)
	}
	return nil
}

// Close unmounts the binds, last first. Targets that fail to unmount stay active so Close can be retried.
func (c *Chroot) Close() error {
	var result *multierror.Error
	var failed []string
	for i := len(c.active) - 1; i >= 0; i-- {
		target := c.active[i]
		if err := c.mounter.Unmount(target); err != nil {
			Log.Err(err).Str("what", target).Msg("unmounting chroot bind")
			result = multierror.Append(result, err)
			failed = append([]string{target}, failed...)
		}
	}
	c.active = failed
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("closing chroot %s: %w", c.root, err)
	}
	return nil
}

// Run executes command inside the root. Binds are set up and torn down around it unless Prepare was already called.
func (c *Chroot) Run(command string, args ...string) (out []byte, err error) {
	if len(c.active) == 0 {
		if err = c.Prepare(); err != nil {
			return nil, err
		}
		defer func() {
			if closeErr := c.Close(); err == nil {
				err = closeErr
			}
		}()
	}
	Log.Debug().Str("root", c.root).Str("cmd", command).Strs("args", args).Msg("running in chroot")
	return c.runner.Run("chroot", append([]string{c.root, command}, args...)...)
}
