package cmd

import (
	"context"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/longhorn-devio/pkg/shm"
	"github.com/longhorn/longhorn-devio/pkg/types"
)

func ServeShmCmd() cli.Command {
	return cli.Command{
		Name:  "serve-shm",
		Usage: "Serve a device to local processes through shared memory, one client at a time",
		Flags: append(providerFlags(),
			cli.StringFlag{
				Name:  "name",
				Usage: "Name of the shared memory device. Clients open shm://<name>",
			},
			cli.StringFlag{
				Name:  "buffer-size",
				Value: "4m",
				Usage: "Size of the payload area, which bounds a single transfer",
			},
		),
		Action: func(c *cli.Context) {
			if err := serveShm(c); err != nil {
				logrus.WithError(err).Fatal("Error running serve-shm command")
			}
		},
	}
}

func serveShm(c *cli.Context) error {
	name := c.String("name")
	if name == "" {
		return types.InvalidArgumentf("missing required parameter --name")
	}
	bufferSize, err := units.RAMInBytes(c.String("buffer-size"))
	if err != nil {
		return types.InvalidArgumentf("invalid buffer size %v", c.String("buffer-size"))
	}

	p, err := openProvider(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	defer close(done)
	defer p.Close()
	defer cancel()
	addShutdown(func() {
		cancel()
		<-done
	})

	// Each server instance serves one client, so a fresh region is published
	// after every disconnect.
	for ctx.Err() == nil {
		server, err := shm.NewServer(name, p, shm.ServerOptions{BufferSize: int(bufferSize)})
		if err != nil {
			return err
		}
		err = server.Serve(ctx)
		if cerr := server.Close(); cerr != nil {
			logrus.WithError(cerr).Warnf("Failed to close shared memory device %v", name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
