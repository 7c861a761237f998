package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/wallclock/internal/i18n"
	"grimm.is/wallclock/internal/leapsec"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/metrics"
	"grimm.is/wallclock/internal/services"
	"grimm.is/wallclock/internal/timesync"
)

// timeService is what the API needs from the running time service.
type timeService interface {
	Current(bias time.Duration) (timesync.TimeInfo, string)
	Leap(ctx context.Context) (leapsec.CurrentDelta, error)
	LeapHistory(ctx context.Context) ([]leapsec.Entry, error)
	Sources() ([]metrics.SourceStats, time.Time)
	Status() services.ServiceStatus
}

type route struct {
	name    string
	method  string
	pattern string
	handler http.HandlerFunc
}

type apiHandler struct {
	svc    timeService
	logger *logging.Logger
}

// timeResponse is a reading plus the source that produced it.
type timeResponse struct {
	timesync.TimeInfo
	Source string `json:"source"`
}

type sourcesResponse struct {
	Updated time.Time             `json:"updated"`
	Sources []metrics.SourceStats `json:"sources"`
}

type statusResponse struct {
	services.ServiceStatus
	Acquired int    `json:"acquired"`
	Sources  int    `json:"sources"`
	Summary  string `json:"summary"`
}

// requestLogger logs each request at debug level.
func requestLogger(logger *logging.Logger, inner http.Handler, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inner.ServeHTTP(w, r)
		logger.Debug("HTTP request", "method", r.Method, "uri", r.RequestURI, "route", name, "duration", time.Since(start))
	})
}

// newRouter returns the API and metrics router.
func newRouter(svc timeService, logger *logging.Logger) *mux.Router {
	logger = logging.OrComponent(logger, "api")
	api := &apiHandler{svc: svc, logger: logger}

	router := mux.NewRouter().StrictSlash(true)
	routes := []route{
		{"Time", http.MethodGet, "/api/time", api.getTime},
		{"Leap", http.MethodGet, "/api/leap", api.getLeap},
		{"LeapHistory", http.MethodGet, "/api/leap/history", api.getLeapHistory},
		{"Sources", http.MethodGet, "/api/sources", api.getSources},
		{"Status", http.MethodGet, "/api/status", api.getStatus},
	}
	for _, r := range routes {
		router.
			Methods(r.method).
			Path(r.pattern).
			Name(r.name).
			Handler(requestLogger(logger, r.handler, r.name))
	}
	router.Methods(http.MethodGet).Path("/metrics").Name("Metrics").Handler(promhttp.Handler())
	router.Use(i18n.Middleware)
	return router
}

// getTime answers the current time. The optional bias query parameter, in
// milliseconds, shifts the answer.
func (a *apiHandler) getTime(w http.ResponseWriter, r *http.Request) {
	var bias time.Duration
	if v := r.URL.Query().Get("bias"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bias must be an integer number of milliseconds")
			return
		}
		bias = time.Duration(ms) * time.Millisecond
	}
	ti, src := a.svc.Current(bias)
	writeJSON(w, http.StatusOK, timeResponse{TimeInfo: ti, Source: src})
}

func (a *apiHandler) getLeap(w http.ResponseWriter, r *http.Request) {
	cd, err := a.svc.Leap(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cd)
}

func (a *apiHandler) getLeapHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := a.svc.LeapHistory(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if entries == nil {
		entries = []leapsec.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *apiHandler) getSources(w http.ResponseWriter, r *http.Request) {
	stats, updated := a.svc.Sources()
	if stats == nil {
		stats = []metrics.SourceStats{}
	}
	writeJSON(w, http.StatusOK, sourcesResponse{Updated: updated, Sources: stats})
}

func (a *apiHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	stats, _ := a.svc.Sources()
	resp := statusResponse{ServiceStatus: a.svc.Status(), Sources: len(stats)}
	var worst time.Duration
	for _, st := range stats {
		if st.Acquired {
			resp.Acquired++
			worst = max(worst, st.Offset.Abs())
		}
	}
	p := i18n.GetPrinter(r.Context())
	resp.Summary = p.Sprintf("%d of %d sources acquired, largest offset %.3f s", resp.Acquired, resp.Sources, worst.Seconds())
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
