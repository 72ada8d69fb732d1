package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
)

const writeTimeout = 5 * time.Second

// Hub serves the realtime endpoint. Every client gets a welcome with the
// current state; applied differentials are broadcast to all clients with
// the originating client id.
type Hub struct {
	store          *Store
	logger         *log.Logger
	inlineSnapshot bool

	clients   map[string]*websocket.Conn
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub over store. When inlineSnapshot is false, welcome
// messages carry only version and checksum and clients fetch the snapshot
// over HTTP.
func NewHub(store *Store, inlineSnapshot bool, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:          store,
		logger:         logger,
		inlineSnapshot: inlineSnapshot,
		clients:        make(map[string]*websocket.Conn),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(32 << 20)

	clientID := uuid.NewString()
	h.clientsMu.Lock()
	h.clients[clientID] = conn
	clientCount := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("Client %s connected (total: %d)", clientID, clientCount)

	h.wg.Add(1)
	defer h.wg.Done()
	defer h.removeClient(clientID)

	state := h.store.State()
	if !h.inlineSnapshot {
		state.Snapshot = nil
	}
	if err := h.send(conn, protocol.Welcome{
		Type:     protocol.TypeWelcome,
		ClientID: clientID,
		State:    state,
	}); err != nil {
		return
	}

	for {
		typ, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		h.handle(clientID, conn, data)
	}
}

func (h *Hub) handle(clientID string, conn *websocket.Conn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		// non-JSON frames are ignored
		return
	}

	switch env.Type {
	case protocol.TypeDifferentialBatch:
		msg := env.Batch
		result := h.store.ApplyDifferentialBatch(msg.Diffs)
		if result.Status == StatusNoOp {
			_ = h.send(conn, protocol.Ack{Type: protocol.TypeAck, RequestID: msg.RequestID, State: stateOnly(result.State)})
			return
		}
		h.logger.Printf("Applied batch %s from %s (%d ops, v%d)", msg.RequestID, clientID, len(result.Operations), result.State.Version)
		h.broadcast(protocol.Applied{
			Type:           protocol.TypeApplied,
			RequestID:      msg.RequestID,
			OriginClientID: clientID,
			Operations:     result.Operations,
			State:          stateOnly(result.State),
		})

	case protocol.TypeDifferential:
		msg := env.Differential
		result := h.store.ApplyDifferential(msg.BaseChecksum, msg.Operations)
		switch result.Status {
		case StatusChecksumMismatch:
			h.logger.Printf("Checksum mismatch for %s from %s", msg.RequestID, clientID)
			_ = h.send(conn, protocol.ChecksumMismatch{
				Type:      protocol.TypeChecksumMismatch,
				RequestID: msg.RequestID,
				State:     result.State,
			})
		case StatusNoOp:
			_ = h.send(conn, protocol.Ack{Type: protocol.TypeAck, RequestID: msg.RequestID, State: stateOnly(result.State)})
		default:
			h.logger.Printf("Applied %s from %s (%d ops, v%d)", msg.RequestID, clientID, len(result.Operations), result.State.Version)
			h.broadcast(protocol.Applied{
				Type:           protocol.TypeApplied,
				RequestID:      msg.RequestID,
				OriginClientID: clientID,
				Operations:     result.Operations,
				State:          stateOnly(result.State),
			})
		}
	}
}

func stateOnly(s protocol.ServerState) protocol.ServerState {
	s.Snapshot = nil
	return s
}

func (h *Hub) send(conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("Failed to marshal message: %v", err)
		return err
	}
	ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// broadcast sends msg to every connected client, dropping clients that
// cannot be written to.
func (h *Hub) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("Failed to marshal message: %v", err)
		return
	}

	h.clientsMu.RLock()
	targets := make(map[string]*websocket.Conn, len(h.clients))
	for id, conn := range h.clients {
		targets[id] = conn
	}
	h.clientsMu.RUnlock()

	for id, conn := range targets {
		ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Printf("Failed to send to client %s: %v", id, err)
			h.removeClient(id)
		}
	}
}

func (h *Hub) removeClient(id string) {
	h.clientsMu.Lock()
	conn, exists := h.clients[id]
	if !exists {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, id)
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("Client %s disconnected (total: %d)", id, clientCount)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.cancel()
	h.clientsMu.Lock()
	for id, conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, id)
	}
	h.clientsMu.Unlock()
	h.wg.Wait()
}
