package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vk/rulegridgo/internal/ctxlog"
	"gopkg.in/yaml.v3"
)

// jobStatus is one entry of the /status document.
type jobStatus struct {
	ID     string `yaml:"id"`
	Target string `yaml:"target"`
	Rule   string `yaml:"rule"`
	State  string `yaml:"state"`
	Error  string `yaml:"error,omitempty"`
}

func (a *App) handler(ctx context.Context) http.Handler {
	logger := ctxlog.FromContext(ctx)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", a.statusHandler)
	return mux
}

// statusHandler reports the live state of every job in the graph as YAML.
func (a *App) statusHandler(w http.ResponseWriter, _ *http.Request) {
	g := a.Graph()
	if g == nil {
		http.Error(w, "graph not resolved yet", http.StatusServiceUnavailable)
		return
	}

	jobs := g.Jobs()
	out := make([]jobStatus, 0, len(jobs))
	for _, j := range jobs {
		s := jobStatus{ID: j.ID, Target: j.Output, Rule: j.Rule.Name, State: j.State().String()}
		if j.State().Terminal() && j.Error != nil {
			s.Error = j.Error.Error()
		}
		out = append(out, s)
	}

	w.Header().Set("Content-Type", "application/yaml")
	if err := yaml.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// startHealthCheckServer binds the port and serves health, metrics and
// status in the background.
func (a *App) startHealthCheckServer(ctx context.Context, port int) error {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Configuring health check server.")

	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health check server: %w", err)
	}
	a.httpServer = &http.Server{
		Handler:           a.handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		// Serve returns ErrServerClosed on graceful shutdown.
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed unexpectedly", "error", err)
		}
	}()
	return nil
}

func (a *App) closeHealthCheckServer(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	if a.httpServer == nil {
		logger.Debug("Health check server was not running.")
		return nil
	}

	// The run context may already be cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	logger.Info("🩺 Shutting down health check server...")
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health check server shutdown failed", "error", err)
		return err
	}
	logger.Debug("Health check server shut down gracefully.")
	return nil
}
