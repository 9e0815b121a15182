package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cbodonnell/tally/pkg/api/handlers"
	"github.com/cbodonnell/tally/pkg/api/middleware"
	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/messages"
	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
)

type APIServer struct {
	server    *http.Server
	tls       *TLSConfig
	authority authority.Authority
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type NewAPIServerOptions struct {
	Addr string
	TLS  *TLSConfig
	// Authority answers requests received over the websocket.
	Authority authority.Authority
	// Ledger, when set, is exposed read-only under /domains/{domain}.
	Ledger *Ledger
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
}

// NewAPIServer creates a new http.Server that serves the authority over a
// websocket at /ws.
func NewAPIServer(opts NewAPIServerOptions) *APIServer {
	s := &APIServer{
		tls:       opts.TLS,
		authority: opts.Authority,
	}

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.HandleFunc("/healthz", handlers.HandleHealth()).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWS)
	if opts.Ledger != nil {
		router.HandleFunc("/domains/{domain}", handlers.HandleSnapshot(opts.Ledger)).Methods(http.MethodGet)
	}
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	s.server = &http.Server{
		Addr:    opts.Addr,
		Handler: router,
	}
	return s
}

// Handler returns the router, for serving from httptest.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the APIServer
func (s *APIServer) Start() {
	var listenAndServe func() error
	if s.tls != nil {
		log.Info("API server listening on %s with TLS", s.server.Addr)
		listenAndServe = func() error {
			return s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		}
	} else {
		log.Info("API server listening on %s", s.server.Addr)
		listenAndServe = s.server.ListenAndServe
	}
	if err := listenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("API server closed")
			return
		}
		log.Error("API server error: %v", err)
	}
}

// Stop stops the APIServer
func (s *APIServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *APIServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Error("Failed to accept websocket: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "handler exiting")
	conn.SetReadLimit(messages.MessageBufferSize)
	log.Debug("New websocket connection from %s", r.RemoteAddr)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Trace("Websocket connection from %s closed: %v", r.RemoteAddr, err)
			return
		}
		reply, err := s.handleMessage(ctx, data)
		if err != nil {
			log.Error("Failed to handle message from %s: %v", r.RemoteAddr, err)
			continue
		}
		b, err := messages.SerializeMessage(reply)
		if err != nil {
			log.Error("Failed to serialize reply: %v", err)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageBinary, b); err != nil {
			log.Error("Failed to write reply to %s: %v", r.RemoteAddr, err)
			return
		}
	}
}

// handleMessage answers one envelope. Requests the authority could not
// process are answered with MessageTypeError so the client does not wait
// for its timeout.
func (s *APIServer) handleMessage(ctx context.Context, data []byte) (*messages.Message, error) {
	msg, err := messages.DeserializeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize message: %w", err)
	}
	switch msg.Type {
	case messages.MessageTypePing:
		return &messages.Message{ID: msg.ID, Type: messages.MessageTypePong}, nil
	case messages.MessageTypeRequest:
	default:
		return errorMessage(msg.ID, fmt.Sprintf("unexpected message type %s", msg.Type))
	}

	req := &authority.Request{}
	if err := json.Unmarshal(msg.Payload, req); err != nil {
		return errorMessage(msg.ID, "malformed request")
	}
	resp, err := s.authority.Do(ctx, req)
	if err != nil {
		log.Error("Authority failed on %s: %v", req.Operation, err)
		return errorMessage(msg.ID, err.Error())
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return &messages.Message{ID: msg.ID, Type: messages.MessageTypeResponse, Payload: payload}, nil
}

func errorMessage(id, reason string) (*messages.Message, error) {
	payload, err := json.Marshal(messages.ErrorPayload{Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error payload: %w", err)
	}
	return &messages.Message{ID: id, Type: messages.MessageTypeError, Payload: payload}, nil
}
