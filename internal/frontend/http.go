package frontend

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/observability"
	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/relay"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store"
	"github.com/danmuck/exchange/internal/submission"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	HeaderIdentitySubject = "X-Exchange-Identity"
	HeaderIdentityKey     = "X-Exchange-Public-Key"

	callerKey = "exchange.caller"
)

// envelope is the body of every /v1 response.
type envelope struct {
	OK          bool   `json:"ok"`
	Code        uint32 `json:"code"`
	Description string `json:"description"`
	Detail      string `json:"detail,omitempty"`
	Data        any    `json:"data,omitempty"`
}

type allocateRequest struct {
	Kind   routing.APIKind `json:"kind"`
	Target routing.Target  `json:"target"`
}

type submitRequest struct {
	Message     submission.Message          `json:"message"`
	Chunk       *submission.Chunk           `json:"chunk"`
	Transaction *submission.TransactionSpec `json:"transaction,omitempty"`
}

type uploadRequest struct {
	ContinuationToken string            `json:"continuation_token"`
	Chunk             *submission.Chunk `json:"chunk"`
}

type chunkResponse struct {
	MessageID         string `json:"message_id,omitempty"`
	ContinuationToken string `json:"continuation_token,omitempty"`
	Complete          bool   `json:"complete"`
}

func (s *Service) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AccessLog(log.Logger, s.cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", HeaderIdentitySubject, HeaderIdentityKey, observability.HeaderRequestID},
		ExposeHeaders: []string{observability.HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}))
	if err := r.SetTrustedProxies([]string{"127.0.0.1", "::1"}); err != nil {
		log.Warn().Err(err).Msg("frontend.Service.newRouter trusted proxies rejected")
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node_id": s.cfg.NodeID,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		controllerID, connected := s.link.Connected()
		ready := connected || strings.TrimSpace(s.cfg.ControllerAddr) == ""
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":         ready,
			"controller_id": controllerID,
			"active":        s.registries.Count(),
			"node_id":       s.cfg.NodeID,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST(strings.TrimPrefix(relay.DeliverPath, "/v1"), s.deliver)

	sessions := v1.Group("/sessions", s.authenticate)
	sessions.POST("", s.allocate)
	sessions.POST("/:session/submit", s.submit)
	sessions.POST("/:session/upload", s.upload)
	sessions.POST("/:session/transactions/:txn/commit", s.finish((*submission.Engine).Commit))
	sessions.POST("/:session/transactions/:txn/rollback", s.finish((*submission.Engine).Rollback))
	sessions.POST("/:session/transactions/:txn/forget", s.finish((*submission.Engine).Forget))
	return r
}

// authenticate resolves the caller from the TLS peer certificate, or from the
// development headers when enabled.
func (s *Service) authenticate(c *gin.Context) {
	id, err := s.callerOf(c.Request)
	if err != nil {
		abort(c, apierr.Wrap(apierr.CodeUnauthorizedIdentity, err))
		return
	}
	c.Set(callerKey, id)
	c.Set(observability.FingerprintKey, id.Fingerprint)
	c.Next()
}

func (s *Service) callerOf(r *http.Request) (identity.Identity, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return identity.FromCertificate(r.TLS.PeerCertificates[0])
	}
	if !s.cfg.DevIdentityHeader {
		return identity.Identity{}, identity.ErrNoCertificate
	}
	raw := r.Header.Get(HeaderIdentityKey)
	if strings.TrimSpace(raw) == "" {
		return identity.Identity{}, identity.ErrNoCertificate
	}
	pub, err := identity.ParsePublicKey(raw)
	if err != nil {
		return identity.Identity{}, err
	}
	return identity.FromPublicKey(r.Header.Get(HeaderIdentitySubject), pub)
}

func (s *Service) allocate(c *gin.Context) {
	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apierr.Wrap(apierr.CodeMalformedRequest, err))
		return
	}
	kind, ok := routing.ParseKind(string(req.Kind))
	if !ok {
		abort(c, apierr.Newf(apierr.CodeMalformedRequest, "unknown api kind %q", req.Kind))
		return
	}
	h, _ := s.handles.For(kind, req.Target)
	endpoint, err := s.allocator.Allocate(c.Request.Context(), h, caller(c))
	if err != nil {
		abort(c, err)
		return
	}
	ok200(c, endpoint)
}

func (s *Service) submit(c *gin.Context) {
	sess, ok := s.authorizedSession(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apierr.Wrap(apierr.CodeMalformedRequest, err))
		return
	}
	token, err := s.engine.Submit(c.Request.Context(), sess, caller(c), req.Message, req.Chunk, req.Transaction)
	if err != nil {
		abort(c, err)
		return
	}
	out := chunkResponse{ContinuationToken: token, Complete: token == ""}
	if req.Message.Header != nil {
		out.MessageID = req.Message.Header.MessageID
	}
	ok200(c, out)
}

func (s *Service) upload(c *gin.Context) {
	sess, ok := s.authorizedSession(c)
	if !ok {
		return
	}
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apierr.Wrap(apierr.CodeMalformedRequest, err))
		return
	}
	next, err := s.engine.Upload(c.Request.Context(), sess, req.ContinuationToken, req.Chunk)
	if err != nil {
		abort(c, err)
		return
	}
	out := chunkResponse{ContinuationToken: next, Complete: next == ""}
	if req.Chunk != nil {
		out.MessageID = req.Chunk.MessageID
	}
	ok200(c, out)
}

type txnOp func(e *submission.Engine, ctx context.Context, sess *registry.Session, txnID string) error

func (s *Service) finish(op txnOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.authorizedSession(c)
		if !ok {
			return
		}
		if err := op(s.engine, c.Request.Context(), sess, c.Param("txn")); err != nil {
			abort(c, err)
			return
		}
		ok200(c, nil)
	}
}

// authorizedSession authorizes the caller on the submission session named in the path.
func (s *Service) authorizedSession(c *gin.Context) (*registry.Session, bool) {
	id := c.Param("session")
	reg, _, found := s.registries.Find(id)
	if !found {
		abort(c, apierr.New(apierr.CodeSessionNotFound, id))
		return nil, false
	}
	if reg.Kind() != routing.KindSubmission {
		abort(c, apierr.Newf(apierr.CodeMalformedRequest, "session %s serves %s", id, reg.Kind()))
		return nil, false
	}
	sess, err := reg.Authorize(id, caller(c).Fingerprint)
	if err != nil {
		abort(c, err)
		return nil, false
	}
	return sess, true
}

// deliver accepts an inbound relay hop. 4xx responses are terminal for the
// sender.
func (s *Service) deliver(c *gin.Context) {
	var d relay.Delivery
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.receiver.Accept(c.Request.Context(), d); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, relay.ErrInvalidDelivery):
			status = http.StatusBadRequest
		case errors.Is(err, store.ErrNotFound):
			status = http.StatusNotFound
		}
		log.Warn().Err(err).Str("message_id", d.Message.ID).Msg("frontend.Service.deliver rejected")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func caller(c *gin.Context) identity.Identity {
	v, _ := c.Get(callerKey)
	id, _ := v.(identity.Identity)
	return id
}

func ok200(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{OK: true, Code: uint32(apierr.CodeOK), Description: apierr.CodeOK.Description(), Data: data})
}

func abort(c *gin.Context, err error) {
	apiErr := apierr.From(err)
	body := envelope{Code: uint32(apiErr.Code), Description: apiErr.Code.Description(), Detail: apiErr.Detail}
	c.AbortWithStatusJSON(httpStatus(apiErr.Code), body)
}

// httpStatus maps an error code to the HTTP status of its response.
func httpStatus(code apierr.Code) int {
	switch code {
	case apierr.CodeOK:
		return http.StatusOK
	case apierr.CodeUnauthorizedIdentity:
		return http.StatusForbidden
	case apierr.CodeSessionNotFound:
		return http.StatusNotFound
	}
	switch code.Class() {
	case apierr.ClassValidation:
		return http.StatusBadRequest
	case apierr.ClassSequencing:
		return http.StatusConflict
	case apierr.ClassCapacity:
		return http.StatusServiceUnavailable
	case apierr.ClassFlow:
		return http.StatusTooManyRequests
	case apierr.ClassRelay:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost", "http://127.0.0.1"}
	}
	return out
}
