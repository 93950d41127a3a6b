// Package ws streams committed events to websocket clients.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cenwadike/dan/internal/events"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
	readWait   = 2 * pingPeriod
)

// Filter selects which envelopes a client receives. Empty fields match
// everything.
type Filter struct {
	Name      string
	ChannelID string
	Owner     string
}

// Match reports whether env passes the filter.
func (f Filter) Match(env events.Envelope) bool {
	if f.Name != "" && f.Name != env.Name {
		return false
	}
	if f.ChannelID != "" && f.ChannelID != env.ChannelID {
		return false
	}
	if f.Owner != "" && f.Owner != env.Owner {
		return false
	}
	return true
}

// Server upgrades requests and forwards bus events to each connection.
type Server struct {
	bus    *events.Bus
	logger *slog.Logger
	buffer int

	upgrader websocket.Upgrader
	clients  atomic.Int64
}

// NewServer creates a stream server over bus.
func NewServer(bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bus:    bus,
		logger: logger,
		buffer: 256,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

// Handler serves the stream. Query parameters name, channel_id and owner
// narrow what the client receives.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := Filter{Name: q.Get("name"), ChannelID: q.Get("channel_id"), Owner: q.Get("owner")}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub, cancelSub := s.bus.Subscribe(s.buffer)
		defer cancelSub()
		s.clients.Add(1)
		defer s.clients.Add(-1)
		s.logger.Debug("stream client connected", "remote", r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Reader: clients send nothing, but reading handles pongs and close.
		go func() {
			defer cancel()
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(readWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
				return
			case env, ok := <-sub:
				if !ok {
					return
				}
				if !filter.Match(env) {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(env); err != nil {
					s.logger.Debug("stream write failed", "remote", r.RemoteAddr, "error", err)
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}
