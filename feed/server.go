package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/id"
	"github.com/xraph/escrow/stream"
)

// Scope values for the entity route.
const (
	ScopeKind   = "kind"
	ScopeEntity = "entity"
)

// Server upgrades HTTP requests to live feed connections backed by the
// change feed broker.
type Server struct {
	broker       *stream.Broker
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewServer creates a feed server over broker.
func NewServer(broker *stream.Broker, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		defaultCodec: JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Mount registers the feed routes on r:
//
//	GET /ws                            channel=<topic> (repeatable, default status_updates)
//	GET /ws/{entity_type}/{entity_id}  scope=kind|entity
//
// Both accept format=json|msgpack.
func (s *Server) Mount(r chi.Router) {
	r.Get("/ws", s.handleChannels)
	r.Get("/ws/{entity_type}/{entity_id}", s.handleEntity)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["channel"]
	if len(topics) == 0 {
		topics = []string{stream.TopicAll}
	}
	s.serve(w, r, topics, nil)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	key, err := entity.NewKey(chi.URLParam(r, "entity_type"), chi.URLParam(r, "entity_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var topic string
	switch r.URL.Query().Get("scope") {
	case "", ScopeKind:
		topic = stream.KindTopic(key.Kind)
	case ScopeEntity:
		topic = stream.EntityTopic(key)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: unknown scope %q", escrow.ErrInvalidInput, r.URL.Query().Get("scope")))
		return
	}
	s.serve(w, r, []string{topic}, &key)
}

// serve subscribes before upgrading so request errors can still be
// reported as plain HTTP responses.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, topics []string, snapshot *entity.Key) {
	codec := s.defaultCodec
	if f := r.URL.Query().Get("format"); f != "" {
		codec = GetCodec(f)
	}

	sub, err := s.broker.Subscribe(r.Context(), topics, snapshot)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, escrow.ErrInvalidInput) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.broker.RemoveSubscriber(sub.ID())
		s.logger.Warn("feed upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConnection(id.NewConnectionID().String(), sub.ID(), netConn, codec, sub.Topics(), s.writeTimeout)
	s.conns.Add(c)
	s.logger.Info("feed connected",
		slog.String("conn_id", c.ID),
		slog.Any("topics", c.Topics),
		slog.String("codec", codec.Name()),
	)

	go s.forward(c, sub)

	err = c.readLoop()
	s.broker.RemoveSubscriber(sub.ID())
	s.conns.Remove(c.ID)
	_ = netConn.Close()
	s.logger.Info("feed disconnected", slog.String("conn_id", c.ID), slog.Any("reason", err))
}

// forward pushes broker events to the client until the subscriber is
// removed or a write fails.
func (s *Server) forward(c *Connection, sub *stream.Subscriber) {
	for evt := range sub.C() {
		if err := c.send(FromEvent(evt)); err != nil {
			s.logger.Debug("feed write failed",
				slog.String("conn_id", c.ID),
				slog.String("error", err.Error()),
			)
			s.broker.RemoveSubscriber(sub.ID())
			_ = c.conn.Close()
			return
		}
	}

	// The broker dropped the subscriber (slow client or shutdown).
	_ = c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, ""))
	_ = c.conn.Close()
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	name := "internal"
	switch {
	case errors.Is(err, escrow.ErrInvalidEntityType):
		name = "invalid_entity_type"
	case errors.Is(err, escrow.ErrInvalidInput):
		name = "invalid_input"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: name, Message: err.Error()}})
}
