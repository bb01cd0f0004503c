package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pmav99/thalassa-server/pkg/srvlog"
	"github.com/pmav99/thalassa-server/pkg/ui"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

func (t *thalassa) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if t.Cfg.HTTP.Dev {
				return true
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// sessionEvents streams every new state of a session over a websocket
func (t *thalassa) sessionEvents(w http.ResponseWriter, r *http.Request) {
	s, err := t.session(r)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	conn, err := t.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request
		srvlog.Log(r.Context()).Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := srvlog.Log(r.Context())
	logger.Debug().Str("session", s.ID).Msg("Event stream connected")

	// only the latest state matters, older pending states are replaced
	updates := make(chan ui.State, 1)
	unsubscribe := s.Subscribe(func(state ui.State) {
		for {
			select {
			case updates <- state:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	send := func(state ui.State) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(state); err != nil {
			logger.Debug().Err(err).Msg("Event stream write failed")
			return false
		}
		return true
	}

	if !send(s.State()) {
		return
	}

	for {
		select {
		case <-closed:
			logger.Debug().Str("session", s.ID).Msg("Event stream closed")
			return
		case state := <-updates:
			if !send(state) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
