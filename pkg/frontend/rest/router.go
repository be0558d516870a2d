package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

func HandleError(t func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if err := t(rw, req); err != nil {
			logrus.WithError(err).Warnf("Failed to handle %v %v", req.Method, req.URL.Path)
			writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	})
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to write response")
	}
}

func NewRouter(s *Server) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	f := HandleError

	router.Methods("GET").Path("/ping").Handler(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		_, _ = rw.Write([]byte("pong"))
	}))

	router.Methods("GET").Path("/v1/info").Handler(f(s.GetInfo))
	router.Methods("GET").Path("/v1/reservations").Handler(f(s.GetReservations))
	router.Methods("GET").Path("/v1/exports").Handler(f(s.ListExports))
	router.Methods("GET").Path("/v1/exports/{name}").Handler(f(s.GetExport))
	router.Methods("GET").Path("/v1/exports/{name}/reservations").Handler(f(s.GetReservations))

	return router
}
