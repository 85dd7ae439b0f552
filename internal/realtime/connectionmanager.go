// Package realtime provides the WebSocket edge of the service: the HTTP
// server clients connect to, the per-socket lifecycle, and the instance-local
// push endpoint other instances relay through.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/felixzhu97/whatschat-sub000/internal/session"
	"github.com/felixzhu97/whatschat-sub000/internal/transport"
)

const (
	// pongWait is how long a socket may stay silent before the read loop
	// gives up on it. pingInterval must be shorter so a healthy client
	// always has a ping to answer.
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second

	maxFrameSize = 64 * 1024
)

// ConnectionManager manages all active WebSocket connections on this
// instance. It runs its own dedicated HTTP server.
type ConnectionManager struct {
	server     *http.Server
	upgrader   websocket.Upgrader
	table      *transport.DirectTable
	deps       *session.Deps
	dispatcher *session.Dispatcher
	logger     zerolog.Logger
	instanceID string
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
// The table must be the same one the router's direct sender uses, so events
// routed to a connection held here reach its socket.
func NewConnectionManager(
	port string,
	deps *session.Deps,
	table *transport.DirectTable,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if table == nil {
		return nil, errors.New("connection manager requires a direct table")
	}

	instanceID := uuid.NewString()
	cmLogger := logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger()

	dispatcher, err := session.NewDispatcher(deps, cmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict to the app's origins once they are configurable.
				return true
			},
		},
		table:      table,
		deps:       deps,
		dispatcher: dispatcher,
		logger:     cmLogger,
		instanceID: instanceID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", cm.connectHandler)
	mux.HandleFunc("POST /connections/{id}", cm.pushHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	cm.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	return cm, nil
}

// InstanceID identifies this process; registered connections carry it so
// relaying instances know where to push.
func (cm *ConnectionManager) InstanceID() string { return cm.instanceID }

// Handler exposes the manager's routes, for tests and embedding.
func (cm *ConnectionManager) Handler() http.Handler { return cm.server.Handler }

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(_ context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. In-flight sockets see the
// listener close and unwind through their own read loops.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		return err
	}
	cm.logger.Info().Msg("WebSocket service shut down.")
	return nil
}

// credentialFrom extracts the bearer token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func credentialFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// connectHandler upgrades a new HTTP request to a WebSocket and manages its
// lifecycle: authenticate, register, dispatch inbound frames, tear down.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	credential := credentialFrom(r)

	// Verified twice: here, so an unauthenticated client gets a plain HTTP
	// 401 instead of a doomed upgrade, and again inside the session state
	// machine, which owns registration.
	identity, err := cm.deps.Auth.Verify(r.Context(), credential)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	defer func() {
		if err := ws.Close(); err != nil {
			cm.logger.Warn().Err(err).Msg("error closing connection")
		}
	}()

	connectionID := uuid.NewString()
	metadata := map[string]string{
		"instanceId": cm.instanceID,
		"remoteAddr": r.RemoteAddr,
	}
	if ua := r.UserAgent(); ua != "" {
		metadata["userAgent"] = ua
	}

	s, err := session.New(connectionID, metadata, cm.deps, cm.logger)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to create session.")
		return
	}

	// The socket must be reachable through the direct table before the
	// session registers, or its own connect acknowledgement has nowhere
	// to go.
	cm.table.Add(connectionID, identity.UserID, ws)
	defer cm.table.Drop(connectionID)

	if err := s.Authenticate(r.Context(), credential); err != nil {
		cm.logger.Warn().Err(err).Str("connection", connectionID).Msg("Session authentication failed.")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(time.Second))
		return
	}
	defer s.Close(context.WithoutCancel(r.Context()))

	cm.logger.Info().
		Str("user", identity.UserID).
		Str("connection", connectionID).
		Msg("User connected via WebSocket.")

	cm.readLoop(r.Context(), s, ws)

	cm.logger.Info().
		Str("user", identity.UserID).
		Str("connection", connectionID).
		Msg("User disconnected.")
}

// readLoop pumps inbound frames into the dispatcher until the socket dies.
// Dispatch is synchronous, so a client's events are handled in the order it
// sent them.
func (cm *ConnectionManager) readLoop(ctx context.Context, s *session.Session, ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		// A live pong proves the client is still here; keep its registry
		// entries from expiring.
		if err := cm.deps.Registry.Refresh(ctx, s.ConnectionID()); err != nil {
			cm.logger.Warn().Err(err).Str("connection", s.ConnectionID()).Msg("Failed to refresh connection TTL.")
		}
		return nil
	})

	stopPings := make(chan struct{})
	defer close(stopPings)
	go cm.pingLoop(s.ConnectionID(), stopPings)

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cm.logger.Debug().Err(err).Str("connection", s.ConnectionID()).Msg("Read loop ended.")
			}
			return
		}
		cm.dispatcher.Dispatch(ctx, s, payload)
	}
}

// pingLoop writes heartbeat pings until the connection's read loop exits.
func (cm *ConnectionManager) pingLoop(connectionID string, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := cm.table.Ping(connectionID, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// pushHandler receives a relayed event for a connection held by this
// instance. A 410 tells the relaying instance the socket is gone so it can
// prune the shared registry.
func (cm *ConnectionManager) pushHandler(w http.ResponseWriter, r *http.Request) {
	connectionID := r.PathValue("id")
	if connectionID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !cm.table.Has(connectionID) {
		http.Error(w, "Gone", http.StatusGone)
		return
	}
	if err := cm.table.Send(connectionID, payload); err != nil {
		// The write failing means the socket is dead; report it gone and
		// let its read loop finish the cleanup.
		cm.logger.Warn().Err(err).Str("connection", connectionID).Msg("Relayed push failed.")
		http.Error(w, "Gone", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
