package status

import (
	"net/http"
	"strconv"
	"time"

	"github.com/TicketsBot/gatewayclient/gateway"
	"github.com/TicketsBot/gatewayclient/internal/jsoncodec"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Reporter is satisfied by *gateway.ShardManager and *client.Client.
type Reporter interface {
	Status() gateway.Status
	Shards() []gateway.ShardInfo
	Ping() time.Duration
}

type overview struct {
	Status gateway.Status      `json:"status"`
	PingMs int64               `json:"ping_ms"`
	Shards []gateway.ShardInfo `json:"shards"`
}

// NewRouter serves the shard overview, a health check that fails until every
// shard is ready, and the prometheus metrics in gatherer.
func NewRouter(reporter Reporter, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/shards", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, overview{
			Status: reporter.Status(),
			PingMs: reporter.Ping().Milliseconds(),
			Shards: reporter.Shards(),
		})
	}).Methods(http.MethodGet)

	router.HandleFunc("/shards/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, "invalid shard id", http.StatusBadRequest)
			return
		}

		for _, shard := range reporter.Shards() {
			if shard.Id == id {
				writeJson(w, http.StatusOK, shard)
				return
			}
		}

		http.Error(w, "unknown shard", http.StatusNotFound)
	}).Methods(http.MethodGet)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := reporter.Status()
		if status != gateway.StatusReady {
			http.Error(w, status.String(), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return router
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := jsoncodec.Encode(w, body); err != nil {
		logrus.Warnf("error whilst writing status response: %s", err.Error())
	}
}
