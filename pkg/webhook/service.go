// Package webhook receives QQ bot events pushed over HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tencent-connect/botgo/dto"

	"github.com/tinyland-inc/qqgate/pkg/dedup"
	"github.com/tinyland-inc/qqgate/pkg/logger"
	"github.com/tinyland-inc/qqgate/pkg/qqbot"
	"github.com/tinyland-inc/qqgate/pkg/signature"
	"github.com/tinyland-inc/qqgate/pkg/trustnet"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the event router shared with the gateway path.
type Dispatcher interface {
	Dispatch(ctx context.Context, f qqbot.Frame) bool
}

type Config struct {
	Addr            string
	Path            string
	VerifySignature bool
}

// Service is the callback endpoint. Handler can be mounted on any server;
// Start runs a dedicated one on Config.Addr.
type Service struct {
	cfg      Config
	signer   *signature.Signer
	store    dedup.Store
	resolver *trustnet.Resolver
	router   Dispatcher
	engine   *gin.Engine

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	srv     *http.Server
	ln      net.Listener
}

func NewService(cfg Config, signer *signature.Signer, store dedup.Store, resolver *trustnet.Resolver, router Dispatcher) *Service {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if store == nil {
		store = dedup.NewCache(dedup.DefaultTTL)
	}
	if resolver == nil {
		resolver, _ = trustnet.NewResolver(false, nil)
	}
	s := &Service{
		cfg:      cfg,
		signer:   signer,
		store:    store,
		resolver: resolver,
		router:   router,
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.HandleMethodNotAllowed = true
	engine.POST(cfg.Path, s.handleCallback)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})
	s.engine = engine
	return s
}

func (s *Service) Handler() http.Handler { return s.engine }

// Start binds Config.Addr and serves callbacks in the background. Bind
// errors are returned to the caller.
func (s *Service) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.InfoCF("webhook", "Callback server listening", map[string]any{
		"addr": ln.Addr().String(),
		"path": s.cfg.Path,
	})
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("webhook", "Callback server failed", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr is the bound listener address, empty before Start.
func (s *Service) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down and waits for in-flight dispatches.
func (s *Service) Stop(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Wait blocks until every dispatch started so far has returned.
func (s *Service) Wait() { s.wg.Wait() }

type envelope struct {
	Op   *dto.OPCode     `json:"op"`
	ID   string          `json:"id"`
	Seq  json.RawMessage `json:"s"`
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`

	PlainToken string `json:"plain_token"`
	EventTS    string `json:"event_ts"`
}

type validationData struct {
	PlainToken string `json:"plain_token"`
	EventTS    string `json:"event_ts"`
}

func (s *Service) handleCallback(c *gin.Context) {
	client := s.resolver.Resolve(c.Request)
	reqID := uuid.NewString()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	if env.Op != nil && *env.Op == qqbot.OpCallbackValidation {
		s.handleValidation(c, env)
		return
	}

	if s.cfg.VerifySignature {
		if err := s.signer.VerifyRequest(c.Request.Header, body); err != nil {
			logger.WarnCF("webhook", "Rejected callback signature", map[string]any{
				"request_id": reqID,
				"client":     client.IP,
				"error":      err.Error(),
			})
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	seq, hasSeq := integerSeq(env.Seq)
	ack := gin.H{"op": qqbot.OpCallbackAck}
	if hasSeq {
		ack["d"] = gin.H{"seq": seq}
	}

	key := DedupKey(body)
	duplicate, err := s.store.MarkIfNew(c.Request.Context(), key)
	if err != nil {
		logger.WarnCF("webhook", "Dedup store unavailable, dispatching anyway", map[string]any{"error": err.Error()})
	}
	if duplicate {
		logger.DebugCF("webhook", "Duplicate callback acknowledged", map[string]any{"request_id": reqID, "key": key})
		c.JSON(http.StatusOK, ack)
		return
	}

	if env.Op == nil || *env.Op == dto.WSDispatchEvent {
		frame := qqbot.Frame{Op: dto.WSDispatchEvent, ID: env.ID, Type: env.Type, Data: env.Data}
		if hasSeq {
			frame.Seq = &seq
		}
		logger.DebugCF("webhook", "Callback accepted", map[string]any{
			"request_id": reqID,
			"type":       env.Type,
			"client":     client.IP,
			"forwarded":  client.Forwarded,
		})
		s.dispatch(frame)
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Service) handleValidation(c *gin.Context, env envelope) {
	v := validationData{PlainToken: env.PlainToken, EventTS: env.EventTS}
	if len(env.Data) > 0 {
		var d validationData
		if json.Unmarshal(env.Data, &d) == nil {
			if d.PlainToken != "" {
				v.PlainToken = d.PlainToken
			}
			if d.EventTS != "" {
				v.EventTS = d.EventTS
			}
		}
	}
	if v.PlainToken == "" || v.EventTS == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plain_token and event_ts are required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plain_token": v.PlainToken,
		"signature":   s.signer.SignValidation(v.EventTS, v.PlainToken),
	})
}

func (s *Service) dispatch(f qqbot.Frame) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorCF("webhook", "Dispatch panicked", map[string]any{"type": f.Type, "panic": fmt.Sprint(r)})
			}
		}()
		s.router.Dispatch(s.baseCtx, f)
	}()
}

// integerSeq accepts only a JSON integer.
func integerSeq(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
