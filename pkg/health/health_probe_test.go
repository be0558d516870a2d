package health

import (
	"context"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func (s *TestSuite) TestCheck(c *C) {
	var failure error
	hc := NewHealthCheckServer(func() error { return failure })

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	c.Assert(err, IsNil)
	c.Assert(resp.Status, Equals, healthpb.HealthCheckResponse_SERVING)

	failure = errors.New("stopped")
	resp, err = hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	c.Assert(err, IsNil)
	c.Assert(resp.Status, Equals, healthpb.HealthCheckResponse_NOT_SERVING)

	resp, err = NewHealthCheckServer(nil).Check(context.Background(), &healthpb.HealthCheckRequest{})
	c.Assert(err, IsNil)
	c.Assert(resp.Status, Equals, healthpb.HealthCheckResponse_NOT_SERVING)
}

func (s *TestSuite) TestWatch(c *C) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, NewHealthCheckServer(func() error { return nil }))
	go srv.Serve(ln)
	defer srv.Stop()

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	c.Assert(err, IsNil)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := healthpb.NewHealthClient(conn).Watch(ctx, &healthpb.HealthCheckRequest{})
	c.Assert(err, IsNil)
	resp, err := stream.Recv()
	c.Assert(err, IsNil)
	c.Assert(resp.Status, Equals, healthpb.HealthCheckResponse_SERVING)
}
