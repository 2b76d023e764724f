package sim

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skycoin/nodelink/internal/httputil"
	"github.com/skycoin/nodelink/pkg/routing"
)

// Handler serves the live links of the simulation, the stored link
// statistics per node and the Prometheus metrics.
func (s *Simulation) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(time.Second * 30))
	r.Get("/links", s.getLinks())
	r.Get("/links/{node}", s.getLinkLog())
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Simulation) getLinks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		links := s.Links()
		if links == nil {
			links = []LinkInfo{}
		}
		httputil.WriteJSON(w, r, http.StatusOK, links)
	}
}

func (s *Simulation) getLinkLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := routing.ParseNodeName(chi.URLParam(r, "node"))
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		entry, err := s.LinkLog(name)
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusInternalServerError, err)
			return
		}
		if entry == nil {
			httputil.WriteJSON(w, r, http.StatusNotFound, ErrUnknownNode)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, entry)
	}
}
