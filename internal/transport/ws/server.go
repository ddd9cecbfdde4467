package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peopleland.ai/internal/ingest"
	"peopleland.ai/internal/land"
	"peopleland.ai/internal/protocol"
)

// Submitter is the slice of *ingest.Processor the session needs.
type Submitter interface {
	Submit(ctx context.Context, ev land.Event) (ingest.Result, error)
	Cursor() land.Position
	Halted() error
}

type SessionHooks interface {
	SessionOpened()
	SessionClosed()
}

type Options struct {
	ChainID string
	// Token, when set, must be presented as "Authorization: Bearer <token>".
	Token       string
	ReadTimeout time.Duration
}

// Server accepts one event host at a time on a websocket and feeds its
// events to the processor in delivery order.
type Server struct {
	proc  Submitter
	opts  Options
	log   *zap.Logger
	hooks SessionHooks

	upgrader websocket.Upgrader
	active   atomic.Bool
}

func NewServer(proc Submitter, opts Options, logger *zap.Logger, hooks SessionHooks) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	return &Server{
		proc:  proc,
		opts:  opts,
		log:   logger,
		hooks: hooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // hosts are not browsers
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if !s.active.CompareAndSwap(false, true) {
			_ = writeJSON(conn, faultMsg(0, protocol.ErrBusy, "another ingest session is active", false))
			closeWith(conn, websocket.ClosePolicyViolation, "busy")
			return
		}
		defer s.active.Store(false)

		if !s.handshake(conn) {
			return
		}
		if s.hooks != nil {
			s.hooks.SessionOpened()
			defer s.hooks.SessionClosed()
		}
		s.log.Info("ingest session opened", zap.String("remote", r.RemoteAddr))
		defer s.log.Info("ingest session closed", zap.String("remote", r.RemoteAddr))

		ctx := r.Context()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := writeJSON(conn, s.handle(ctx, msg)); err != nil {
				return
			}
		}
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.opts.Token)) == 1
}

func (s *Server) handshake(conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return false
	}
	if hello.ChainID != "" && s.opts.ChainID != "" && hello.ChainID != s.opts.ChainID {
		closeWith(conn, websocket.ClosePolicyViolation, "chain_id mismatch")
		return false
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ChainID:         s.opts.ChainID,
		Cursor:          cursorV1(s.proc.Cursor()),
		Halted:          s.proc.Halted() != nil,
	}
	return writeJSON(conn, welcome) == nil
}

func (s *Server) handle(ctx context.Context, msg []byte) any {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeEvent {
		return faultMsg(0, protocol.ErrProtoBadRequest, "expected EVENT", false)
	}
	var em protocol.EventMsg
	if err := json.Unmarshal(msg, &em); err != nil {
		return faultMsg(0, protocol.ErrProtoBadRequest, err.Error(), false)
	}
	if em.ProtocolVersion != protocol.Version {
		return faultMsg(em.Seq, protocol.ErrProtoBadRequest, "bad protocol_version", false)
	}

	// Malformed events are rejected without touching the index.
	ev, err := protocol.DecodeEvent(em.Event)
	if err != nil {
		return faultMsg(em.Seq, protocol.ErrBadEvent, err.Error(), false)
	}

	res, err := s.proc.Submit(ctx, ev)
	if err != nil {
		code := protocol.CodeFor(err)
		if errors.Is(err, ingest.ErrHalted) {
			code = protocol.ErrHalted
		}
		halted := s.proc.Halted() != nil
		s.log.Warn("event rejected",
			zap.Uint64("seq", em.Seq),
			zap.String("event", land.Describe(ev)),
			zap.String("code", code),
			zap.Bool("halted", halted),
			zap.Error(err))
		return faultMsg(em.Seq, code, err.Error(), halted)
	}
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		Seq:             em.Seq,
		Outcome:         string(res.Outcome),
		Cursor:          cursorV1(res.Cursor),
	}
}

func cursorV1(p land.Position) protocol.CursorV1 {
	return protocol.CursorV1{Block: p.Block, LogIndex: p.LogIndex}
}

func faultMsg(seq uint64, code, message string, halted bool) protocol.FaultMsg {
	return protocol.FaultMsg{
		Type:            protocol.TypeFault,
		ProtocolVersion: protocol.Version,
		Seq:             seq,
		Code:            code,
		Message:         message,
		Halted:          halted,
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
