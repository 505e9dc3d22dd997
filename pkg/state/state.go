package state

import (
	"context"
	"fmt"

	internalUtils "github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/pkg/boot"
	"github.com/kairos-io/diskbuilder/pkg/budget"
	"github.com/kairos-io/diskbuilder/pkg/device"
	"github.com/kairos-io/diskbuilder/pkg/op"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
)

// State carries one disk build through the stages registered on the graph.
type State struct {
	Spec     schema.BuildSpec
	Platform schema.Platform
	Workdir  string // scratch space for keyfiles, mountpoints and the read-only image

	Fs      vfs.FS
	Runner  internalUtils.Runner
	Mounter internalUtils.Mounter

	// Optional collaborators, defaults are used when nil.
	Sizer          budget.RootTreeSizer
	BootImage      boot.BootImage
	BootLoader     boot.BootLoaderConfig
	BootInstaller  boot.BootLoaderInstall
	MapperOptions  []device.MapperOption
	ReadOnlyImage  string
	ReadOnlyMBytes int

	session *op.Session
	budget  schema.SizeBudget
	table   schema.PartitionTable
	devices schema.DeviceMap
	storage schema.StorageMap
	output  string
	result  *schema.BuildResult
	err     error
}

// Budget returns the size budget computed by the build.
func (s *State) Budget() schema.SizeBudget { return s.budget }

// Table returns the planned partition table.
func (s *State) Table() schema.PartitionTable { return s.table }

// Devices returns the device map as left by the last stage that touched it.
func (s *State) Devices() schema.DeviceMap { return s.devices }

// Storage returns the formatted filesystems.
func (s *State) Storage() schema.StorageMap { return s.storage }

// Result returns the build result record, nil until the build finished.
func (s *State) Result() *schema.BuildResult { return s.result }

// Output is the final artifact, the converted image when a format was requested.
func (s *State) Output() string { return s.output }

// Session returns the resources still held by the build.
func (s *State) Session() *op.Session {
	if s.session == nil {
		s.session = op.NewSession()
	}
	return s.session
}

// Build runs the graph. Held resources are always released, a release failure is
// only returned when the build itself succeeded.
func (s *State) Build(ctx context.Context, g *herd.Graph) (err error) {
	session := s.Session()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build panicked: %v", r)
		}
		closeErr := session.Close()
		switch {
		case err == nil:
			err = closeErr
		case closeErr != nil:
			internalUtils.Log.Err(closeErr).Msg("releasing resources after a failed build")
		}
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	runErr := g.Run(ctx)
	internalUtils.Log.Debug().Msg(s.WriteDAG(g))
	switch {
	case s.err != nil:
		return s.err
	case runErr != nil:
		return runErr
	}
	return ctx.Err()
}

// WriteDAG writes the dag.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps, op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Background, op.WeakDeps, op.Executed)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty.
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error.
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
	return e
}

// step wraps a stage: cancellation is checked on entry, panics turn into errors
// and the first failure is kept as the build error.
func (s *State) step(name string, fn func(ctx context.Context) error) func(context.Context) error {
	return func(ctx context.Context) (err error) {
		if s.err != nil {
			return fmt.Errorf("skipped after a previous failure: %w", s.err)
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
			if err != nil && s.err == nil {
				s.err = err
			}
		}()
		if err = ctx.Err(); err != nil {
			return err
		}
		internalUtils.Log.Info().Str("stage", name).Msg("running")
		return s.LogIfErrorAndReturn(fn(ctx), name)
	}
}
