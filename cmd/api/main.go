package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"courierdispatch/internal/api"
	"courierdispatch/internal/config"
	"courierdispatch/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("config: %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvDeps, err := api.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(srvDeps.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("API listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
	case <-ctx.Done():
		log.Printf("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.OptimizeTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := srvDeps.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		route := routeLabel(r.URL.Path)
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route, code).Observe(dur.Seconds())
		log.Printf("%s %s %s %d %v", r.RemoteAddr, r.Method, r.URL.Path, rec.status, dur)
	})
}

var (
	topRoutes    = map[string]bool{"health": true, "healthz": true, "readyz": true, "metrics": true, "debug": true, "pickups": true, "zones": true}
	pickupRoutes = map[string]bool{"cancel": true}
	zoneRoutes   = map[string]bool{"status": true, "pending": true, "drivers": true, "events": true, "history": true}
	driverRoutes = map[string]bool{"optimize": true, "next": true, "complete": true, "queue": true, "location": true, "events": true, "history": true, "ws": true}
)

// routeLabel collapses ids out of the path and maps unknown segments to
// "other" to keep metric cardinality bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		return "/"
	}
	known := func(i int, set map[string]bool) {
		if i < len(parts) && !set[parts[i]] {
			parts[i] = "other"
		}
	}
	known(0, topRoutes)
	depth := 1
	switch parts[0] {
	case "debug":
		known(1, map[string]bool{"info": true})
		depth = 2
	case "pickups":
		if len(parts) >= 2 {
			parts[1] = "{id}"
		}
		known(2, pickupRoutes)
		depth = 3
	case "zones":
		if len(parts) >= 2 {
			parts[1] = "{zone}"
		}
		known(2, zoneRoutes)
		depth = 3
		if len(parts) >= 4 && parts[2] == "drivers" {
			parts[3] = "{driver}"
			known(4, driverRoutes)
			depth = 5
		}
	}
	if len(parts) > depth {
		parts = append(parts[:depth], "other")
	}
	return "/" + strings.Join(parts, "/")
}
