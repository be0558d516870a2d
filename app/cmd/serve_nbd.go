package cmd

import (
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/frontend/nbd"
	"github.com/longhorn/longhorn-devio/pkg/types"
)

func ServeNbdCmd() cli.Command {
	return cli.Command{
		Name:  "serve-nbd",
		Usage: "Serve a device to standard NBD clients",
		Flags: append(providerFlags(),
			cli.StringFlag{
				Name:  "listen",
				Value: "tcp://localhost:10809",
				Usage: "NBD address, tcp://host:port or unix:///path",
			},
			cli.StringFlag{
				Name:  "name",
				Value: "devio",
				Usage: "Export name announced to clients",
			},
			cli.StringFlag{
				Name:  "block-size",
				Value: "4k",
				Usage: "Preferred block size announced to clients",
			},
		),
		Action: func(c *cli.Context) {
			if err := serveNbd(c); err != nil {
				logrus.WithError(err).Fatal("Error running serve-nbd command")
			}
		},
	}
}

func serveNbd(c *cli.Context) error {
	blockSize, err := units.RAMInBytes(c.String("block-size"))
	if err != nil || blockSize <= 0 || blockSize > types.MaxTransferSize {
		return types.InvalidArgumentf("invalid block size %v", c.String("block-size"))
	}

	p, err := openProvider(c)
	if err != nil {
		return err
	}
	defer p.Close()

	ln, err := dataconn.Listen(c.String("listen"))
	if err != nil {
		return err
	}

	frontend := nbd.New(c.String("name"), p, uint32(blockSize))
	addShutdown(func() {
		if err := frontend.Shutdown(); err != nil {
			logrus.WithError(err).Warn("Failed to shutdown NBD frontend")
		}
	})
	if err := frontend.Serve(ln); err != nil {
		return err
	}
	frontend.Wait()
	return nil
}
