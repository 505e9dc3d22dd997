package main

import (
	"fmt"
	"os"

	"github.com/kairos-io/diskbuilder/internal/cmd"
	"github.com/kairos-io/diskbuilder/internal/version"
	"github.com/urfave/cli/v2"
)

// Assemble bootable disk images from prepared root trees.
func main() {
	app := cli.NewApp()
	app.Name = "diskbuilder"
	app.Usage = "assemble bootable disk images from a root tree"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "Kairos authors"}}
	app.Copyright = "kairos authors"
	app.Flags = cmd.GlobalFlags
	app.Commands = cmd.Commands

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
