package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const watchInterval = time.Second

// CheckServer answers gRPC health probes for a device server. check returns
// nil while the server is able to serve.
type CheckServer struct {
	healthpb.UnimplementedHealthServer

	check func() error
}

func NewHealthCheckServer(check func() error) *CheckServer {
	return &CheckServer{
		check: check,
	}
}

func (hc *CheckServer) status() (healthpb.HealthCheckResponse_ServingStatus, error) {
	if hc.check == nil {
		return healthpb.HealthCheckResponse_NOT_SERVING, nil
	}
	if err := hc.check(); err != nil {
		return healthpb.HealthCheckResponse_NOT_SERVING, err
	}
	return healthpb.HealthCheckResponse_SERVING, nil
}

func (hc *CheckServer) Check(context.Context, *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	status, err := hc.status()
	if err != nil {
		logrus.WithError(err).Debug("Device server is not serving")
	}
	return &healthpb.HealthCheckResponse{Status: status}, nil
}

func (hc *CheckServer) Watch(req *healthpb.HealthCheckRequest, ws healthpb.Health_WatchServer) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		status, _ := hc.status()
		if err := ws.Send(&healthpb.HealthCheckResponse{Status: status}); err != nil {
			logrus.Errorf("Failed to send health check result %v for device server: %v", status, err)
			return err
		}
		select {
		case <-ws.Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}
