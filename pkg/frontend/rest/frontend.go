package rest

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/types"
	"github.com/longhorn/longhorn-devio/pkg/util"
)

const (
	frontendName = "rest"

	shutdownTimeout = 5 * time.Second
)

var (
	log = logrus.WithFields(logrus.Fields{"pkg": "rest-frontend"})
)

// Device exposes the status of a data server on an HTTP endpoint.
type Device struct {
	data     *dataconn.Server
	server   *http.Server
	listener net.Listener
	isUp     bool
}

func New(data *dataconn.Server) *Device {
	return &Device{data: data}
}

func (d *Device) FrontendName() string {
	return frontendName
}

// Handler is the routed, logging handler the device serves.
func (d *Device) Handler() http.Handler {
	router := http.Handler(NewRouter(NewServer(d.data)))
	router = util.FilteredLoggingHandler(map[string]struct{}{
		"/ping":    {},
		"/v1/info": {},
	}, os.Stdout, router)
	return handlers.ProxyHeaders(router)
}

func (d *Device) Startup(listen string) error {
	if d.isUp {
		return errors.New("rest frontend is already up")
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %v", listen)
	}
	d.listener = ln
	d.server = &http.Server{Handler: d.Handler()}
	d.isUp = true

	log.Infof("Rest Frontend listening on %s", ln.Addr())
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Rest Frontend stopped")
		}
	}()
	return nil
}

func (d *Device) Shutdown() error {
	if !d.isUp {
		return nil
	}
	d.isUp = false
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.server.Shutdown(ctx)
}

func (d *Device) State() types.State {
	if d.isUp {
		return types.StateUp
	}
	return types.StateDown
}

func (d *Device) Endpoint() string {
	if d.isUp {
		return "http://" + d.listener.Addr().String()
	}
	return ""
}
