package cmd

import (
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/longhorn-devio/pkg/provider"
	"github.com/longhorn/longhorn-devio/pkg/types"
)

func providerFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "file",
			Usage: "Serve this file or block device. Without it the device lives in memory",
		},
		cli.StringFlag{
			Name:  "size",
			Value: "1g",
			Usage: "Device size for a memory device, or for a file created with --create",
		},
		cli.BoolFlag{
			Name:  "create",
			Usage: "Create the file when it does not exist",
		},
		cli.BoolFlag{
			Name:  "direct",
			Usage: "Open the file with O_DIRECT",
		},
		cli.BoolFlag{
			Name:  "read-only",
			Usage: "Reject writes",
		},
		cli.IntFlag{
			Name:  "sector-size",
			Value: types.DefaultSectorSize,
			Usage: "Logical sector size reported to clients",
		},
		cli.BoolFlag{
			Name:  "shared",
			Usage: "Enable persistent reservations",
		},
	}
}

// openProvider builds the provider described by the providerFlags of c.
func openProvider(c *cli.Context) (types.Provider, error) {
	size, err := units.RAMInBytes(c.String("size"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid size %v", c.String("size"))
	}
	sectorSize := c.Int("sector-size")
	if sectorSize <= 0 || sectorSize&(sectorSize-1) != 0 {
		return nil, errors.Errorf("sector size %v is not a power of two", sectorSize)
	}

	path := c.String("file")
	if path == "" {
		logrus.Infof("Serving a %v memory device", units.BytesSize(float64(size)))
		return provider.NewMemoryProvider(size, provider.MemoryOptions{
			SectorSize: uint32(sectorSize),
			ReadOnly:   c.Bool("read-only"),
			Shared:     c.Bool("shared"),
		}), nil
	}

	opts := provider.FileOptions{
		ReadOnly:   c.Bool("read-only"),
		DirectIO:   c.Bool("direct"),
		Create:     c.Bool("create"),
		SectorSize: uint32(sectorSize),
		Shared:     c.Bool("shared"),
	}
	if c.Bool("create") {
		opts.Size = size
	}
	p, err := provider.OpenFile(path, opts)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"file":   path,
		"size":   p.Length(),
		"direct": opts.DirectIO,
	}).Info("Serving file device")
	return p, nil
}
