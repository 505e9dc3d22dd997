package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	cnst "github.com/kairos-io/diskbuilder/internal/constants"
	"github.com/kairos-io/diskbuilder/internal/utils"
	"github.com/kairos-io/diskbuilder/internal/version"
	"github.com/kairos-io/diskbuilder/pkg/schema"
	"github.com/kairos-io/diskbuilder/pkg/state"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var GlobalFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "debug",
		EnvVars: []string{cnst.EnvDebug},
	},
	&cli.StringFlag{
		Name:  "engine-config",
		Value: cnst.DefaultConfigEnv,
		Usage: "env file with the engine configuration",
	},
}

var Commands = []*cli.Command{
	{
		Name:      "build",
		Usage:     "build a disk image",
		UsageText: "diskbuilder build --config image.yaml",
		Description: `
Computes the disk size from the root tree, partitions and formats the disk, syncs the
root tree into it, installs the bootloader and converts the result to the requested format.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "build description in yaml",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "arch",
				Usage: "target architecture, overrides the build description",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "print the build stages and exit",
			},
		},
		Action: func(c *cli.Context) (err error) {
			fs := vfs.OSFS
			engine := setup(c, fs)

			spec, err := schema.ReadBuildSpec(fs, c.String("config"))
			if err != nil {
				utils.Log.Err(err).Str("config", c.String("config")).Msg("reading build description")
				return err
			}
			if len(spec.BootPartitionFilesystems) == 0 {
				spec.BootPartitionFilesystems = engine.BootPartitionFilesystems
			}
			arch := spec.Arch
			if c.String("arch") != "" {
				arch = c.String("arch")
			}

			s := &state.State{
				Spec:     spec,
				Platform: schema.NewPlatform(arch),
				Workdir:  engine.Workdir,
				Fs:       fs,
				Runner:   utils.RealRunner{},
				Mounter:  utils.RealMounter{},
			}
			g := herd.DAG()
			if err = s.Register(g); err != nil {
				return err
			}
			utils.Log.Info().Msg(s.WriteDAG(g))
			if c.Bool("dry-run") {
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = s.Build(ctx, g)
			utils.Log.Info().Msg(s.WriteDAG(g))
			return err
		},
	},
	{
		Name:      "partids",
		Usage:     "print the partition ids written into a root tree",
		UsageText: "diskbuilder partids /path/to/root",
		Action: func(c *cli.Context) error {
			fs := vfs.OSFS
			setup(c, fs)
			if c.Args().Len() != 1 {
				return fmt.Errorf("expected the root tree as the only argument")
			}
			ids, err := utils.ReadEnv(fs, fmt.Sprintf("%s/%s", c.Args().First(), cnst.PartitionIDsFile))
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(ids))
			for k := range ids {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s=%s\n", k, ids[k])
			}
			return nil
		},
	},
	{
		Name:  "version",
		Usage: "version",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "yaml",
				Usage: "print the build info as yaml",
			},
		},
		Action: func(c *cli.Context) error {
			setup(c, vfs.OSFS)
			v := version.Get()
			utils.Log.Debug().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("diskbuilder")
			if c.Bool("yaml") {
				out, err := yaml.Marshal(v)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			}
			fmt.Println(v.String())
			return nil
		},
	},
}

// setup reads the engine config and initializes the logger.
func setup(c *cli.Context, fs vfs.FS) utils.EngineConfig {
	engine := utils.LoadEngineConfig(fs, c.String("engine-config"), os.Getenv)
	utils.SetLogger(c.Bool("debug") || engine.Debug)
	utils.Log.Debug().Str("workdir", engine.Workdir).Strs("boot partition filesystems", engine.BootPartitionFilesystems).Msg("engine config")
	return engine
}
