package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/longhorn-devio/app/cmd"
	"github.com/longhorn/longhorn-devio/pkg/meta"
)

func main() {
	a := cli.NewApp()
	a.Name = "devio"
	a.Usage = "Serve and access block devices over TCP, unix sockets, shared memory and NBD"
	a.Version = meta.Version

	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "enable debug logging level",
			EnvVar: "DEVIO_DEBUG",
		},
	}
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Commands = []cli.Command{
		cmd.ServeCmd(),
		cmd.ServeShmCmd(),
		cmd.ServeNbdCmd(),
		cmd.InfoCmd(),
		cmd.ReadCmd(),
		cmd.WriteCmd(),
		cmd.DumpCmd(),
		cmd.BenchCmd(),
		cmd.VersionCmd(),
	}

	if err := a.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("Error when executing command")
	}
}
