package main

import (
	"encoding/json"
	"flag"
	"hash/fnv"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

type viewCount struct {
	Site  string `json:"site"`
	Hour  string `json:"hour"`
	Views *int64 `json:"views"`
}

type generator struct {
	dropSite    string
	dropFactor  float64
	dropWindow  time.Duration
	missingSite string
	now         func() time.Time
}

// views produces a stable diurnal curve per site. Recent hours of dropSite are
// scaled down; missingSite has no data at all.
func (g generator) views(site string, hour time.Time) (int64, bool) {
	if site == g.missingSite {
		return 0, false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(site))
	base := 200 + float64(h.Sum32()%800)

	phase := 2 * math.Pi * float64(hour.UTC().Hour()) / 24
	value := base * (1 + 0.6*math.Sin(phase-math.Pi/2))
	if site == g.dropSite && g.now().Sub(hour) <= g.dropWindow {
		value *= g.dropFactor
	}
	return int64(math.Round(value)), true
}

func main() {
	var (
		addr string
		gen  = generator{now: time.Now}
	)
	flag.StringVar(&addr, "addr", ":8080", "Listen address")
	flag.StringVar(&gen.dropSite, "drop-site", "", "Site whose recent traffic collapses")
	flag.Float64Var(&gen.dropFactor, "drop-factor", 0.2, "Scale applied to the dropped site's recent hours")
	flag.DurationVar(&gen.dropWindow, "drop-window", 3*time.Hour, "How far back the drop reaches")
	flag.StringVar(&gen.missingSite, "missing-site", "", "Site that answers 404 for every hour")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/aggregates/page-views", func(w http.ResponseWriter, r *http.Request) {
		if !enforceGet(w, r) {
			return
		}
		site := r.URL.Query().Get("site")
		hourKey := r.URL.Query().Get("hour")
		hour, err := utils.ParseHourKey(hourKey)
		if site == "" || err != nil {
			http.Error(w, "site and hour (YYYYMMDDTHH) are required", http.StatusBadRequest)
			return
		}
		if hour.After(gen.now()) {
			http.NotFound(w, r)
			return
		}
		views, ok := gen.views(site, hour)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, viewCount{Site: site, Hour: hourKey, Views: &views})
	})

	logger := log.New(log.Writer(), "aggregates-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforceGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s?%s %d %s", r.Method, r.URL.Path, r.URL.RawQuery, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
