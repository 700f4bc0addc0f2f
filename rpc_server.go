package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/erc7824/nitrolite/keyring/pkg/hdpath"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring/multisig"
	"github.com/erc7824/nitrolite/keyring/pkg/log"
	"github.com/erc7824/nitrolite/keyring/pkg/safe"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

const (
	defaultRPCErrorMessage  = "an error occurred while processing the request"
	defaultRPCWriteDuration = 5 * time.Second
	eventMethodPrefix       = "event_"
)

// publicErrors are reported to clients with their own message.
var publicErrors = []error{
	keyring.ErrDeviceUnreachable,
	keyring.ErrAddressMismatch,
	keyring.ErrUnsupportedOperation,
	keyring.ErrUserRejected,
	keyring.ErrSignatureInvalid,
	keyring.ErrAccountNotFound,
	keyring.ErrDuplicateAccount,
	multisig.ErrNoSession,
	multisig.ErrThresholdNotMet,
	hdpath.ErrUnknownPath,
	safe.ErrInvalidTransaction,
	safe.ErrInvalidVersion,
	safe.ErrUnknownNetwork,
	safe.ErrNoSignatures,
	safe.ErrNoExecutor,
	sign.ErrInvalidLength,
}

// RPCHandler serves one method. The returned value becomes the response
// params.
type RPCHandler func(ctx context.Context, req *RPCData) (any, error)

// RPCServer is the websocket endpoint of keyringd. Requests of one
// connection are served concurrently, so a reject can reach a signing
// request that waits on the device.
type RPCServer struct {
	upgrader websocket.Upgrader
	handlers map[string]RPCHandler
	validate *validator.Validate
	events   *keyring.Emitter
	metrics  *Metrics
	lg       log.Logger
}

func NewRPCServer(events *keyring.Emitter, metrics *Metrics, lg log.Logger) *RPCServer {
	return &RPCServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// keyringd listens on a local address for the wallet UI.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: map[string]RPCHandler{},
		validate: validator.New(),
		events:   events,
		metrics:  metrics,
		lg:       lg.Named("rpc"),
	}
}

func (s *RPCServer) Handle(method string, h RPCHandler) {
	s.handlers[method] = h
}

// rpcConn serialises writes to one websocket.
type rpcConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *rpcConn) write(msg *RPCMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(defaultRPCWriteDuration)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// HandleConnection upgrades the request and serves the connection until it
// closes.
func (s *RPCServer) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Error("failed to upgrade connection to WebSocket", "error", err)
		return
	}
	conn := &rpcConn{id: uuid.NewString(), ws: ws}
	lg := s.lg.With("connectionID", conn.id)

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectedClients.Inc()

	ctx, cancel := context.WithCancel(r.Context())
	var inflight sync.WaitGroup
	unsubscribe := s.events.Subscribe(func(e keyring.Event) {
		msg := CreateResponse(0, eventMethodPrefix+string(e.Name), e.Payload)
		if err := conn.write(msg); err != nil {
			lg.Debug("failed to push event", "event", e.Name, "error", err)
		}
	})
	defer func() {
		unsubscribe()
		cancel()
		inflight.Wait()
		ws.Close()
		s.metrics.ConnectedClients.Dec()
		lg.Info("connection closed")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				lg.Error("WebSocket connection closed with unexpected reason", "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if res := s.process(ctx, data); res != nil {
				if err := conn.write(res); err != nil {
					lg.Warn("failed to write response", "error", err)
				}
			}
		}()
	}
}

// process serves one frame and returns the response to send.
func (s *RPCServer) process(ctx context.Context, data []byte) *RPCMessage {
	msg, err := ParseRPCMessage(data)
	if err != nil {
		s.lg.Debug("invalid message format", "error", err)
		return errorResponse(0, "invalid message format")
	}
	if err := s.validate.Struct(&msg); err != nil || msg.Req == nil {
		s.lg.Debug("message validation failed", "error", err)
		return errorResponse(0, "message validation failed")
	}

	req := msg.Req
	h, ok := s.handlers[req.Method]
	if !ok {
		s.metrics.RPCRequests.WithLabelValues(req.Method, "unknown").Inc()
		return errorResponse(req.RequestID, fmt.Sprintf("unknown method: %s", req.Method))
	}

	lg := s.lg.With("method", req.Method, "requestID", req.RequestID)
	ctx = log.WithContext(ctx, lg)

	result, err := h(ctx, req)
	if err != nil {
		s.metrics.RPCRequests.WithLabelValues(req.Method, "error").Inc()
		lg.Info("request failed", "error", err)
		return errorResponse(req.RequestID, clientMessage(err))
	}
	s.metrics.RPCRequests.WithLabelValues(req.Method, "success").Inc()
	return CreateResponse(req.RequestID, req.Method, result)
}

func errorResponse(id uint64, message string) *RPCMessage {
	if id == 0 {
		id = uint64(time.Now().UnixMilli())
	}
	return CreateResponse(id, "error", ErrorResponse{Error: message})
}

// clientMessage returns the message a client may see for err.
func clientMessage(err error) string {
	var rpcErr RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Error()
	}
	var svcErr *safe.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Message
	}
	for _, pub := range publicErrors {
		if errors.Is(err, pub) {
			return err.Error()
		}
	}
	return defaultRPCErrorMessage
}
