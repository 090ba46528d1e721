// Package monitor exposes metrics, the clock status and a live stream of
// offset events over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/netclock/base/zaplog"
	"example.com/netclock/core/netclock"
)

const (
	subscriptionLen = 16
	writeTimeout    = 5 * time.Second
	pingInterval    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Clock is the part of a NetworkClock the monitor reads.
type Clock interface {
	Status() netclock.ClockStatus
	Subscribe(n int) *netclock.Subscription
}

var _ Clock = (*netclock.NetworkClock)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type handler struct {
	log *zap.Logger
	clk Clock
}

// NewHandler returns the monitor routes: /metrics, /status and /offsets.
func NewHandler(log *zap.Logger, clk Clock) http.Handler {
	if log == nil {
		log = zaplog.Logger()
	}
	h := &handler{log: log, clk: clk}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("GET /offsets", h.offsets)
	return mux
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(h.clk.Status())
	if err != nil {
		h.log.Info("failed to write status", zap.Error(err))
	}
}

func (h *handler) offsets(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so that no event published
	// after the client is connected is missed.
	sub := h.clk.Subscribe(subscriptionLen)
	defer sub.Cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.log.With(zap.String("subscription", sub.ID()), zap.Stringer("peer", conn.RemoteAddr()))
	log.Debug("offset stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteJSON(ev)
			if err != nil {
				log.Debug("offset stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				return
			}
		case <-closed:
			log.Debug("offset stream closed")
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ListenAndServe serves the monitor on addr until ctx is done.
func ListenAndServe(ctx context.Context, log *zap.Logger, addr string, clk Clock) error {
	if log == nil {
		log = zaplog.Logger()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           NewHandler(log, clk),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log.Info("monitor listening", zap.Stringer("address", ln.Addr()))

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
