package cmd

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/frontend/rest"
	"github.com/longhorn/longhorn-devio/pkg/health"
	"github.com/longhorn/longhorn-devio/pkg/util"
)

func ServeCmd() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Serve a device over TCP or a unix socket",
		Flags: append(providerFlags(),
			cli.StringFlag{
				Name:  "listen",
				Value: "tcp://localhost:9700",
				Usage: "Data address, tcp://host:port or unix:///path",
			},
			cli.StringFlag{
				Name:  "rest-listen",
				Usage: "Serve the REST status API on this host:port",
			},
			cli.StringFlag{
				Name:  "health-listen",
				Usage: "Serve the gRPC health service on this host:port",
			},
		),
		Action: func(c *cli.Context) {
			if err := serve(c); err != nil {
				logrus.WithError(err).Fatal("Error running serve command")
			}
		},
	}
}

func serve(c *cli.Context) error {
	p, err := openProvider(c)
	if err != nil {
		return err
	}

	data := dataconn.NewServer(p)
	addShutdown(func() {
		data.Stop()
		if err := p.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close device")
		}
	})

	if listen := c.String("rest-listen"); listen != "" {
		device := rest.New(data)
		if err := device.Startup(listen); err != nil {
			return err
		}
		addShutdown(func() {
			if err := device.Shutdown(); err != nil {
				logrus.WithError(err).Warn("Failed to shutdown REST server")
			}
		})
	}

	if listen := c.String("health-listen"); listen != "" {
		if err := startHealth(listen, data.Healthy); err != nil {
			return err
		}
	}

	return data.ListenAndServe(c.String("listen"))
}

func startHealth(listen string, check func() error) error {
	network, addr, err := util.ParseAddress(listen)
	if err != nil {
		return err
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %v", listen)
	}

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, health.NewHealthCheckServer(check))
	reflection.Register(server)
	addShutdown(server.Stop)

	go func() {
		if err := server.Serve(l); err != nil {
			logrus.WithError(err).Warn("gRPC health server stopped")
		}
	}()
	logrus.Infof("Listening on gRPC health server %v", listen)
	return nil
}
