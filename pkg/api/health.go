package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// NodeSource exposes the node's identity and its view of the cluster
type NodeSource interface {
	Info() types.NodeInfo
	ClusterNodes(ctx context.Context) ([]types.NodeInfo, error)
}

// HealthServer serves health, readiness, metrics and node status over HTTP on
// the metrics export port
type HealthServer struct {
	nodes  NodeSource
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// NodesResponse is the body of /nodes
type NodesResponse struct {
	Self      types.NodeInfo   `json:"self"`
	Nodes     []types.NodeInfo `json:"nodes"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewHealthServer creates the status server. nodes may be nil, in which case
// /node and /nodes report 503.
func NewHealthServer(nodes NodeSource) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		nodes: nodes,
		mux:   mux,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: log.WithComponent("status_server"),
	}

	// Register endpoints
	mux.Handle("/health", getOnly(metrics.HealthHandler()))
	mux.Handle("/ready", getOnly(metrics.ReadyHandler()))
	mux.Handle("/live", getOnly(metrics.LivenessHandler()))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/node", hs.nodeHandler)
	mux.HandleFunc("/nodes", hs.nodesHandler)

	return hs
}

// Serve accepts HTTP connections on lis until Shutdown. Serve after Shutdown
// returns nil immediately.
func (hs *HealthServer) Serve(lis net.Listener) error {
	hs.logger.Info().Str("addr", lis.Addr().String()).Msg("Status server listening")
	if err := hs.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func getOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (hs *HealthServer) nodeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.nodes == nil {
		http.Error(w, "Node not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, hs.nodes.Info())
}

func (hs *HealthServer) nodesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.nodes == nil {
		http.Error(w, "Node not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	nodes, err := hs.nodes.ClusterNodes(ctx)
	if err != nil {
		hs.logger.Warn().Err(err).Msg("Failed to read cluster view")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, NodesResponse{
		Self:      hs.nodes.Info(),
		Nodes:     nodes,
		Timestamp: time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
