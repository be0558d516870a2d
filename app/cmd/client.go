package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/devio"
	"github.com/longhorn/longhorn-devio/pkg/util"
)

const chunkSize = 1 << 20

func clientFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "address",
			Value: "tcp://localhost:9700",
			Usage: "Device address: tcp://host:port, unix:///path or shm://<name>",
		},
		cli.StringFlag{
			Name:  "export-name",
			Usage: "Named export of a stream server",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "Per request timeout, zero for the transport default",
		},
	}
}

func openStream(c *cli.Context) (*devio.Stream, error) {
	return devio.Open(c.String("address"), devio.DialOptions{
		Timeout:    c.Duration("timeout"),
		ExportName: c.String("export-name"),
	})
}

func closeStream(s *devio.Stream) {
	if err := s.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close device")
	}
}

func InfoCmd() cli.Command {
	return cli.Command{
		Name:  "info",
		Usage: "Show the size and capabilities of a device",
		Flags: clientFlags(),
		Action: func(c *cli.Context) {
			if err := info(c); err != nil {
				logrus.WithError(err).Fatal("Error running info command")
			}
		},
	}
}

type deviceInfo struct {
	Size           int64 `json:"size"`
	Alignment      int64 `json:"alignment"`
	ReadOnly       bool  `json:"readOnly"`
	SupportsUnmap  bool  `json:"supportsUnmap"`
	SupportsZero   bool  `json:"supportsZero"`
	SupportsSCSI   bool  `json:"supportsSCSI"`
	SupportsShared bool  `json:"supportsShared"`
	KeepOpen       bool  `json:"keepOpen"`
}

func info(c *cli.Context) error {
	s, err := openStream(c)
	if err != nil {
		return err
	}
	defer closeStream(s)

	i := s.Info()
	output, err := json.MarshalIndent(deviceInfo{
		Size:           i.Size,
		Alignment:      i.Alignment,
		ReadOnly:       i.Flags.ReadOnly(),
		SupportsUnmap:  i.Flags.SupportsUnmap(),
		SupportsZero:   i.Flags.SupportsZero(),
		SupportsSCSI:   i.Flags.SupportsSCSI(),
		SupportsShared: i.Flags.SupportsShared(),
		KeepOpen:       i.Flags.KeepOpen(),
	}, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

func ReadCmd() cli.Command {
	return cli.Command{
		Name:      "read",
		Usage:     "Read a range of a device to stdout or a file",
		ArgsUsage: "<offset> <length>",
		Flags: append(clientFlags(),
			cli.StringFlag{
				Name:  "output,o",
				Usage: "Write the data to this file instead of stdout",
			},
		),
		Action: func(c *cli.Context) {
			if err := read(c); err != nil {
				logrus.WithError(err).Fatal("Error running read command")
			}
		},
	}
}

func parseSize(name, value string) (int64, error) {
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %v %q", name, value)
	}
	if size < 0 {
		return 0, errors.Errorf("negative %v %q", name, value)
	}
	return size, nil
}

func read(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("offset and length are required")
	}
	offset, err := parseSize("offset", c.Args()[0])
	if err != nil {
		return err
	}
	length, err := parseSize("length", c.Args()[1])
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "failed to create %v", path)
		}
		defer f.Close()
		out = f
	}

	s, err := openStream(c)
	if err != nil {
		return err
	}
	defer closeStream(s)

	if size := s.Info().Size; offset+length > size {
		length = max(size-offset, 0)
	}
	_, err = io.Copy(out, io.NewSectionReader(s, offset, length))
	return err
}

func WriteCmd() cli.Command {
	return cli.Command{
		Name:      "write",
		Usage:     "Write to a device at an offset",
		ArgsUsage: "<offset>",
		Flags: append(clientFlags(),
			cli.StringFlag{
				Name:  "data",
				Usage: "Write this string",
			},
			cli.StringFlag{
				Name:  "input,i",
				Usage: "Write the content of this file, - for stdin",
			},
		),
		Action: func(c *cli.Context) {
			if err := write(c); err != nil {
				logrus.WithError(err).Fatal("Error running write command")
			}
		},
	}
}

func write(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("offset is required")
	}
	offset, err := parseSize("offset", c.Args()[0])
	if err != nil {
		return err
	}

	var in io.Reader
	switch path := c.String("input"); {
	case c.IsSet("data") && path != "":
		return errors.New("--data and --input are mutually exclusive")
	case c.IsSet("data"):
		in = strings.NewReader(c.String("data"))
	case path == "-":
		in = os.Stdin
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "failed to open %v", path)
		}
		defer f.Close()
		in = f
	default:
		return errors.New("one of --data or --input is required")
	}

	s, err := openStream(c)
	if err != nil {
		return err
	}
	defer closeStream(s)

	written, err := io.Copy(io.NewOffsetWriter(s, offset), in)
	if err != nil {
		return err
	}
	logrus.Infof("Wrote %v bytes at %v", written, offset)
	return nil
}

func DumpCmd() cli.Command {
	return cli.Command{
		Name:  "dump",
		Usage: "Copy a whole device into a local image file",
		Flags: append(clientFlags(),
			cli.StringFlag{
				Name:  "output,o",
				Usage: "Image file to create",
			},
			cli.BoolFlag{
				Name:  "sparse",
				Usage: "Skip writing zero chunks so the image stays sparse",
			},
		),
		Action: func(c *cli.Context) {
			if err := dump(c); err != nil {
				logrus.WithError(err).Fatal("Error running dump command")
			}
		},
	}
}

func dump(c *cli.Context) error {
	path := c.String("output")
	if path == "" {
		return errors.New("missing required parameter --output")
	}

	s, err := openStream(c)
	if err != nil {
		return err
	}
	defer closeStream(s)

	size := s.Info().Size
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %v", path)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return errors.Wrapf(err, "failed to size %v to %v", path, size)
	}

	bar := pb.StartNew(int((size + chunkSize - 1) / chunkSize))
	defer bar.Finish()

	buf := make([]byte, chunkSize)
	for off := int64(0); off < size; off += chunkSize {
		n := int64(len(buf))
		if off+n > size {
			n = size - off
		}
		if _, err := s.ReadAt(buf[:n], off); err != nil {
			return errors.Wrapf(err, "failed to read %v bytes at %v", n, off)
		}
		if !c.Bool("sparse") || !util.IsZero(buf[:n]) {
			if _, err := f.WriteAt(buf[:n], off); err != nil {
				return errors.Wrapf(err, "failed to write %v", path)
			}
		}
		bar.Increment()
	}
	return f.Sync()
}

func BenchCmd() cli.Command {
	return cli.Command{
		Name: "bench",
		Flags: append(clientFlags(),
			cli.StringFlag{
				Name:  "bench-type,b",
				Value: "seq-bandwidth-write",
				Usage: "The type can be <seq>/<rand>-<iops>/<bandwidth>/<latency>-<read>/<write>. For example, seq-bandwidth-write.",
			},
			cli.IntFlag{
				Name:  "thread,t",
				Value: 1,
				Usage: "The concurrent thread count. For latency related benchmarks, this value will be forcibly set to 1.",
			},
			cli.StringFlag{
				Name:  "size",
				Value: "1g",
				Usage: "The test size, evenly split between threads. It is capped at the device size.",
			},
		),
		Usage: "Benchmark device IO performance. Stream servers get one connection per thread, shared memory devices are driven through their single channel.",
		Action: func(c *cli.Context) {
			if err := bench(c); err != nil {
				logrus.WithError(err).Fatal("Error running bench command")
			}
		},
	}
}

func bench(c *cli.Context) error {
	size, err := parseSize("size", c.String("size"))
	if err != nil {
		return err
	}
	thread := c.Int("thread")

	var (
		readAt, writeAt func([]byte, int64) (int, error)
		deviceSize      int64
	)
	address := c.String("address")
	if strings.HasPrefix(address, "shm://") {
		s, err := openStream(c)
		if err != nil {
			return err
		}
		defer closeStream(s)
		readAt, writeAt, deviceSize = s.ReadAt, s.WriteAt, s.Info().Size
	} else {
		mc, err := dataconn.DialMulti(address, thread, dataconn.Options{
			Timeout:    c.Duration("timeout"),
			ExportName: c.String("export-name"),
		})
		if err != nil {
			return err
		}
		defer mc.Close()
		readAt, writeAt, deviceSize = mc.ReadAt, mc.WriteAt, mc.Size()
	}
	if size > deviceSize {
		size = deviceSize
	}

	logrus.Debugf("Benchmarking %v with %v threads over %v bytes", address, thread, size)
	output, err := util.Bench(c.String("bench-type"), thread, size, writeAt, readAt)
	if err != nil {
		return err
	}
	fmt.Println(output)
	return nil
}
