// Package telemetry pushes live run-state snapshots to dashboard clients
// over a websocket. It is read-only: no control messages are accepted.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"go.uber.org/zap"
)

const (
	// writeWait is the time allowed to write a frame to the peer.
	writeWait = time.Second
	// pushResolution throttles snapshot pushes per client.
	pushResolution = 100 * time.Millisecond
	pingPeriod     = 30 * time.Second
)

var upgrader = websocket.Upgrader{}

// Snapshotter renders the current run state for the wire; the server
// package provides it so both surfaces serialize identically.
type Snapshotter func() any

// Endpoint is the optional HTTP surface serving /ws.
type Endpoint struct {
	addr     string
	snapshot Snapshotter
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	clients map[chan struct{}]struct{}
}

// New builds the endpoint; Notify is poked by the ingestion server when
// the run state changes.
func New(addr string, snapshot Snapshotter, logger *zap.SugaredLogger) *Endpoint {
	return &Endpoint{
		addr:     addr,
		snapshot: snapshot,
		logger:   logger,
		clients:  map[chan struct{}]struct{}{},
	}
}

// Notify wakes every connected client; each coalesces wakeups through its
// own push throttle.
func (e *Endpoint) Notify() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for client := range e.clients {
		select {
		case client <- struct{}{}:
		default:
		}
	}
}

// Serve runs the HTTP listener until ctx is cancelled.
func (e *Endpoint) Serve(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		e.serveWebsocket(ctx, w, r)
	})

	server := &http.Server{Addr: e.addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	e.logger.Infow("telemetry endpoint listening", "addr", e.addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (e *Endpoint) serveWebsocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	wakeup := make(chan struct{}, 1)
	e.mu.Lock()
	e.clients[wakeup] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.clients, wakeup)
		e.mu.Unlock()
	}()

	// Drain (and ignore) anything the client sends; a read error is the
	// disconnect signal.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pinger := channerics.NewTicker(connCtx.Done(), pingPeriod)

	// Initial frame, then pushes on change, throttled.
	if !e.push(ws) {
		return
	}
	last := time.Now()
	for {
		select {
		case <-connCtx.Done():
			return
		case <-clientGone:
			return
		case <-pinger:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-wakeup:
			if since := time.Since(last); since < pushResolution {
				time.Sleep(pushResolution - since)
			}
			if !e.push(ws) {
				return
			}
			last = time.Now()
		}
	}
}

func (e *Endpoint) push(ws *websocket.Conn) bool {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(e.snapshot()); err != nil {
		e.logger.Debugw("telemetry push failed", "error", err)
		return false
	}
	return true
}
