// Command edged runs on the vehicle device: it owns the durable alert
// queue, keeps a socket to the hub, watches network quality, and drains
// the queue to the collector. The local detection pipeline hands alerts in
// over a loopback-only admin API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snrraptopack/fatigue/internal/client"
	"github.com/snrraptopack/fatigue/internal/config"
	"github.com/snrraptopack/fatigue/internal/model"
	"github.com/snrraptopack/fatigue/internal/netmon"
	"github.com/snrraptopack/fatigue/internal/protocol"
	"github.com/snrraptopack/fatigue/internal/queue"
	"github.com/snrraptopack/fatigue/internal/syncengine"
)

func main() {
	var configPath, adminAddr string

	rootCmd := &cobra.Command{
		Use:          "edged",
		Short:        "Edge-side fatigue alert relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, adminAddr)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "edge.toml", "path to the edge configuration file")
	rootCmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:8091", "loopback address for the local admin API")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath, adminAddr string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadEdge(configPath)
	if err != nil {
		return err
	}

	q, err := queue.Open(cfg.QueuePath)
	if err != nil {
		return err
	}
	logger.Info("durable queue opened", "path", cfg.QueuePath, "pending", q.PendingCount())

	collectorClient := client.NewCollector(cfg.Collector.URL, cfg.Collector.Token)

	var socket *client.Socket
	engineCfg := syncengine.Config{
		Outbox:   q,
		Fallback: collectorClient,
		Logger:   logger,
	}

	var monitor *netmon.Monitor
	if cfg.Hub.URL != "" {
		socket = client.NewSocket(client.SocketConfig{
			URL:           cfg.Hub.URL,
			ParticipantID: cfg.ParticipantID,
			Name:          cfg.Name,
			Logger:        logger,
			OnLive: func(live bool) {
				if monitor != nil {
					monitor.SetSocketLive(live)
				}
			},
		})
		engineCfg.Socket = socket
	}

	engine := syncengine.New(engineCfg)

	endpoints := cfg.Netmon.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{collectorClient.HealthURL()}
	}
	monitor = netmon.New(netmon.Config{
		Endpoints:   endpoints,
		ICMPTarget:  cfg.Netmon.ICMPTarget,
		OnRecovered: engine.OnNetworkRecovered,
		Logger:      logger,
	})

	dirs := &directives{}
	var hub hubSender
	if socket != nil {
		hub = socket
		socket.Start()
		defer socket.Stop()
		go consumeCommands(socket, dirs, logger)
	}
	monitor.Start(cfg.ProbeInterval())
	defer monitor.Stop()
	engine.Start(cfg.SyncInterval())
	defer engine.Stop()

	adminServer := &http.Server{
		Addr:    adminAddr,
		Handler: adminHandler(cfg.ParticipantID, q, engine, monitor, dirs, hub),
	}
	go func() {
		logger.Info("admin API listening", "addr", adminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin API error", "err", err)
		}
	}()

	logger.Info("edged started", "participant_id", cfg.ParticipantID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown error", "err", err)
	}
	logger.Info("edged stopped")
	return nil
}

// directives holds the latest hub commands. The detection pipeline polls
// GET /status and adjusts itself to whatever is recorded here.
type directives struct {
	mu        sync.Mutex
	scenario  string
	streaming bool
}

// directiveState is the JSON shape directives take in the status response.
type directiveState struct {
	Scenario  string `json:"scenario"`
	Streaming bool   `json:"streaming"`
}

// apply records one hub command; unknown message types are ignored and
// reported to the caller.
func (d *directives) apply(msg protocol.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch m := msg.(type) {
	case protocol.ScenarioChange:
		d.scenario = m.Scenario
	case protocol.StreamRequest:
		d.streaming = m.Active
	default:
		return false
	}
	return true
}

func (d *directives) snapshot() directiveState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return directiveState{Scenario: d.scenario, Streaming: d.streaming}
}

// consumeCommands drains hub commands off the socket into the directives
// snapshot the admin status endpoint serves.
func consumeCommands(socket *client.Socket, dirs *directives, logger *slog.Logger) {
	for msg := range socket.Commands() {
		if !dirs.apply(msg) {
			logger.Warn("unhandled hub command", "type", fmt.Sprintf("%T", msg))
			continue
		}
		switch m := msg.(type) {
		case protocol.ScenarioChange:
			logger.Info("scenario change received", "scenario", m.Scenario)
		case protocol.StreamRequest:
			logger.Info("stream request received", "active", m.Active)
		}
	}
}

// hubSender is the slice of the socket client the admin relay endpoints
// need. Nil when no hub is configured.
type hubSender interface {
	Live() bool
	Send(msg protocol.Message) error
}

// enqueueRequest is the admin API's alert submission payload.
type enqueueRequest struct {
	Kind     string          `json:"kind"`
	Priority model.Priority  `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// frameRequest is the admin API's video frame relay payload.
type frameRequest struct {
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// statusUpdateRequest is the admin API's driver status relay payload.
type statusUpdateRequest struct {
	Status json.RawMessage `json:"status"`
}

// adminHandler serves the loopback API the local detection pipeline uses:
// POST /enqueue hands an alert to the durable queue, POST /frame and
// POST /status relay artifacts to the hub, and GET /status reports queue
// depth, sync state, network quality, and the latest hub directives.
func adminHandler(participantID string, q *queue.Queue, engine *syncengine.Engine, monitor *netmon.Monitor, dirs *directives, hub hubSender) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /enqueue", func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Kind == "" {
			writeAdminError(w, http.StatusBadRequest, "kind is required")
			return
		}
		if !req.Priority.Valid() {
			writeAdminError(w, http.StatusBadRequest, "unknown priority")
			return
		}

		ev := model.NewEvent(req.Kind, req.Priority, participantID, req.Payload)
		if err := q.Enqueue(ev); err != nil {
			writeAdminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		engine.TriggerNow()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": ev.ID.String()})
	})

	mux.HandleFunc("POST /frame", func(w http.ResponseWriter, r *http.Request) {
		var req frameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Payload == "" {
			writeAdminError(w, http.StatusBadRequest, "payload is required")
			return
		}
		if req.Timestamp.IsZero() {
			req.Timestamp = time.Now().UTC()
		}
		relay(w, hub, protocol.VideoFrame{
			ParticipantID: participantID,
			Payload:       req.Payload,
			Timestamp:     req.Timestamp,
		})
	})

	mux.HandleFunc("POST /status", func(w http.ResponseWriter, r *http.Request) {
		var req statusUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.Status) == 0 {
			writeAdminError(w, http.StatusBadRequest, "status is required")
			return
		}
		relay(w, hub, protocol.StatusUpdate{
			ParticipantID: participantID,
			Status:        req.Status,
		})
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			ParticipantID string             `json:"participant_id"`
			Pending       int                `json:"pending"`
			Quality       netmon.Quality     `json:"network_quality"`
			Sync          model.SyncMetadata `json:"sync"`
			Directives    directiveState     `json:"directives"`
		}{
			ParticipantID: participantID,
			Pending:       q.PendingCount(),
			Quality:       monitor.Quality(),
			Sync:          engine.Metadata(),
			Directives:    dirs.snapshot(),
		})
	})

	return mux
}

// relay forwards an artifact over the hub socket. Artifacts are real-time
// only, so an offline hub is reported rather than queued for.
func relay(w http.ResponseWriter, hub hubSender, msg protocol.Message) {
	if hub == nil || !hub.Live() {
		writeAdminError(w, http.StatusServiceUnavailable, "hub socket is not connected")
		return
	}
	if err := hub.Send(msg); err != nil {
		writeAdminError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
