package rest

import (
	"encoding/hex"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/types"
)

// DefaultExportName stands for the unnamed default export in URLs.
const DefaultExportName = "default"

type Info struct {
	Exports     int `json:"exports"`
	Connections int `json:"connections"`
}

type Export struct {
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	SectorSize     uint32 `json:"sectorSize"`
	ReadOnly       bool   `json:"readOnly"`
	SupportsUnmap  bool   `json:"supportsUnmap"`
	SupportsZero   bool   `json:"supportsZero"`
	SupportsSCSI   bool   `json:"supportsScsi"`
	SupportsShared bool   `json:"supportsShared"`
}

type Reservations struct {
	UniqueID       string   `json:"uniqueId"`
	Generation     uint64   `json:"generation"`
	Reserved       bool     `json:"reserved"`
	ReservationKey uint64   `json:"reservationKey"`
	Type           uint64   `json:"type"`
	Keys           []uint64 `json:"keys"`
}

// Server reports the state of a data server over HTTP.
type Server struct {
	data *dataconn.Server
}

func NewServer(data *dataconn.Server) *Server {
	return &Server{data: data}
}

func exportName(req *http.Request) string {
	name := mux.Vars(req)["name"]
	if name == DefaultExportName {
		return dataconn.DefaultExport
	}
	return name
}

func displayName(name string) string {
	if name == dataconn.DefaultExport {
		return DefaultExportName
	}
	return name
}

func newExport(name string, p types.Provider) *Export {
	flags := types.FlagsFor(p)
	return &Export{
		Name:           displayName(name),
		Size:           p.Length(),
		SectorSize:     p.SectorSize(),
		ReadOnly:       flags.ReadOnly(),
		SupportsUnmap:  flags.SupportsUnmap(),
		SupportsZero:   flags.SupportsZero(),
		SupportsSCSI:   flags.SupportsSCSI(),
		SupportsShared: flags.SupportsShared(),
	}
}

func (s *Server) GetInfo(rw http.ResponseWriter, req *http.Request) error {
	writeJSON(rw, http.StatusOK, &Info{
		Exports:     len(s.data.Exports()),
		Connections: s.data.ConnectionCount(),
	})
	return nil
}

func (s *Server) ListExports(rw http.ResponseWriter, req *http.Request) error {
	exports := []*Export{}
	for _, name := range s.data.Exports() {
		if p, ok := s.data.Export(name); ok {
			exports = append(exports, newExport(name, p))
		}
	}
	writeJSON(rw, http.StatusOK, exports)
	return nil
}

func (s *Server) GetExport(rw http.ResponseWriter, req *http.Request) error {
	name := exportName(req)
	p, ok := s.data.Export(name)
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	}
	writeJSON(rw, http.StatusOK, newExport(name, p))
	return nil
}

// GetReservations reads the registered keys without acting as a channel.
func (s *Server) GetReservations(rw http.ResponseWriter, req *http.Request) error {
	p, ok := s.data.Export(exportName(req))
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	}
	if !p.SupportsShared() {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "export does not support reservations"})
		return nil
	}
	resp, keys := p.SharedKeys(&types.SharedRequest{Operation: types.SharedReadKeys})
	if resp == nil {
		return errors.New("failed to read reservation keys")
	}
	if resp.Result != types.SharedNoError {
		return errors.Newf("failed to read reservation keys: %v", resp.Result)
	}
	if keys == nil {
		keys = []uint64{}
	}
	writeJSON(rw, http.StatusOK, &Reservations{
		UniqueID:       hex.EncodeToString(resp.UniqueID[:]),
		Generation:     resp.Generation,
		Reserved:       resp.ReservationType != types.ReservationNone,
		ReservationKey: resp.ReservationKey,
		Type:           uint64(resp.ReservationType),
		Keys:           keys,
	})
	return nil
}
