package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	"github.com/rezonia/fiscal-gateway/internal/events"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/monitor"
	xmlparser "github.com/rezonia/fiscal-gateway/internal/parser/xml"
	"github.com/rezonia/fiscal-gateway/internal/processor"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/storage"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// Config holds server configuration
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
}

// Deps are the collaborators behind the routes. Pipeline, Events, Queue and
// Catalogs are required; the rest disable their routes when nil.
type Deps struct {
	Pipeline    *processor.Pipeline
	Events      *events.Processor
	Queue       *queue.Queue
	Catalogs    *catalog.Holder
	Monitor     *monitor.Monitor
	Documents   *storage.Repository
	Verifier    signature.Verifier
	Gatherer    prometheus.Gatherer
	Environment model.Environment
	Logger      *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	config *Config
	deps   Deps
	router *gin.Engine
	xml    *xmlparser.Registry
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(config *Config, deps Deps) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if deps.Environment == "" {
		deps.Environment = model.EnvironmentHomologation
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config: config,
		deps:   deps,
		router: router,
		xml:    xmlparser.NewRegistry(),
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/compute", s.handleCompute)

		v1.POST("/documents", s.handleSubmit)
		v1.GET("/documents/:key", s.handleGetDocument)
		v1.GET("/documents/:key/status", s.handleStatus)

		v1.POST("/events/correction", s.handleCorrection)
		v1.POST("/events/cancellation", s.handleCancellation)
		v1.POST("/events/void", s.handleVoid)

		v1.GET("/queue", s.handleQueue)
		v1.GET("/queue/dead-letters", s.handleDeadLetters)

		v1.GET("/catalog", s.handleCatalog)
		v1.POST("/catalog/refresh", s.handleCatalogRefresh)

		v1.POST("/verify", s.handleVerify)
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "address", s.config.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// writeError maps the error taxonomy to HTTP statuses.
func writeError(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var ve *model.ValidationError
	if errors.As(err, &ve) {
		resp.Kind = string(transmission.KindValidation)
		resp.Field = ve.Field
		resp.Error = ve.Message
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	var pe *model.ParseError
	if errors.As(err, &pe) {
		resp.Kind = string(transmission.KindValidation)
		resp.Field = pe.Field
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
		return
	}

	var f *transmission.Failure
	if errors.As(err, &f) {
		resp.Kind = string(f.Kind)
		resp.Code = f.Code
		resp.Error = f.Reason
		if f.Cause != nil {
			resp.Details = f.Cause.Error()
		}
	}
	switch transmission.KindOf(err) {
	case transmission.KindValidation:
		c.JSON(http.StatusBadRequest, resp)
	case transmission.KindPermanent:
		c.JSON(http.StatusUnprocessableEntity, resp)
	case transmission.KindTransient:
		c.JSON(http.StatusServiceUnavailable, resp)
	default:
		c.JSON(http.StatusInternalServerError, resp)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Monitor == nil {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	snap := s.deps.Monitor.Snapshot()
	status, code := "ok", http.StatusOK
	if !snap.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"snapshot": snap,
	})
}

func (s *Server) handleCompute(c *gin.Context) {
	doc, ok := s.bindDocument(c)
	if !ok {
		return
	}
	res, err := s.deps.Pipeline.Compute(doc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ComputeResponse{
		Document:      doc,
		Findings:      res.Findings,
		CatalogSource: res.CatalogSource,
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	doc, ok := s.bindDocument(c)
	if !ok {
		return
	}
	if doc.Environment == "" {
		doc.Environment = s.deps.Environment
	}

	out, err := s.deps.Pipeline.Submit(c.Request.Context(), doc)
	switch {
	case err == nil && out.Queued():
		c.JSON(http.StatusAccepted, out)
	case err == nil:
		c.JSON(http.StatusCreated, out)
	case out != nil && transmission.KindOf(err) == transmission.KindPermanent:
		c.JSON(http.StatusUnprocessableEntity, out)
	default:
		writeError(c, err)
	}
}

// bindDocument reads a JSON document, or NF-e XML when the request is XML.
func (s *Server) bindDocument(c *gin.Context) (*model.FiscalDocument, bool) {
	if c.ContentType() == binding.MIMEXML || c.ContentType() == binding.MIMEXML2 {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read request body"})
			return nil, false
		}
		doc, err := s.xml.Parse(c.Request.Context(), body)
		if err != nil {
			writeError(c, err)
			return nil, false
		}
		return doc, true
	}
	var doc model.FiscalDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid document", Details: err.Error()})
		return nil, false
	}
	return &doc, true
}

func (s *Server) handleGetDocument(c *gin.Context) {
	if s.deps.Documents == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "document storage not configured"})
		return
	}
	doc, err := s.deps.Documents.GetDocument(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleStatus(c *gin.Context) {
	key := c.Param("key")
	res, err := s.deps.Pipeline.QueryStatus(c.Request.Context(), key, s.deps.Environment)
	if err != nil && res == nil {
		writeError(c, err)
		return
	}
	resp := StatusResponse{
		AccessKey: key,
		Status:    res.Status,
		Reason:    res.Reason,
		Protocol:  res.Protocol,
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) respondReceipt(c *gin.Context, receipt *events.Receipt, err error) {
	switch {
	case err == nil && receipt.Queued():
		c.JSON(http.StatusAccepted, receipt)
	case err == nil:
		c.JSON(http.StatusCreated, receipt)
	case receipt != nil && transmission.KindOf(err) == transmission.KindPermanent:
		c.JSON(http.StatusUnprocessableEntity, receipt)
	default:
		writeError(c, err)
	}
}

func (s *Server) handleCorrection(c *gin.Context) {
	var req events.CorrectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}
	receipt, err := s.deps.Events.Correct(c.Request.Context(), req)
	s.respondReceipt(c, receipt, err)
}

func (s *Server) handleCancellation(c *gin.Context) {
	var req events.CancellationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}
	receipt, err := s.deps.Events.Cancel(c.Request.Context(), req)
	s.respondReceipt(c, receipt, err)
}

func (s *Server) handleVoid(c *gin.Context) {
	var req events.VoidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}
	receipt, err := s.deps.Events.VoidNumbering(c.Request.Context(), req)
	s.respondReceipt(c, receipt, err)
}

func (s *Server) handleQueue(c *gin.Context) {
	items, err := s.deps.Queue.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	resp := QueueResponse{Policy: s.deps.Queue.Policy(), Count: len(items), Items: make([]QueueEntry, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, QueueEntry{
			ID:              it.ID,
			AccessKey:       it.Envelope.AccessKey,
			Operation:       it.Envelope.Operation,
			State:           it.Envelope.State,
			Attempts:        it.Attempts,
			MaxAttempts:     it.MaxAttempts,
			NextEligibleAt:  it.NextEligibleAt,
			FirstEnqueuedAt: it.FirstEnqueuedAt,
			LastFailure:     it.LastFailure,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	dead, err := s.deps.Queue.DeadLetters(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]DeadLetterEntry, 0, len(dead))
	for _, d := range dead {
		out = append(out, DeadLetterEntry{
			ItemID:          d.ItemID,
			AccessKey:       d.AccessKey,
			Operation:       d.Envelope.Operation,
			Attempts:        d.Attempts,
			LastFailure:     d.LastFailure,
			FirstEnqueuedAt: d.FirstEnqueuedAt,
			DeadAt:          d.DeadAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "dead_letters": out})
}

func (s *Server) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, CatalogResponse{Source: s.deps.Catalogs.Current().Source()})
}

func (s *Server) handleCatalogRefresh(c *gin.Context) {
	cat, err := s.deps.Catalogs.Refresh(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("rate catalog refreshed", "source", cat.Source())
	c.JSON(http.StatusOK, CatalogResponse{Source: cat.Source()})
}

func (s *Server) handleVerify(c *gin.Context) {
	if s.deps.Verifier == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "signature verification not configured"})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read request body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	result, err := s.deps.Verifier.Verify(ctx, body)
	if err != nil {
		resp := ErrorResponse{Error: "signature verification failed", Details: err.Error()}
		c.JSON(http.StatusUnprocessableEntity, resp)
		return
	}

	response := VerifyResponse{
		Valid:          result.Valid,
		SignatureFound: result.Present,
		SignatureValid: result.Authentic,
		CertChainValid: result.ChainTrusted,
		NotRevoked:     result.NotRevoked,
		ElementID:      result.ElementID,
		Signer:         signerOutput(result.Signatory),
		Warnings:       result.Warnings,
		Errors:         result.Errors,
	}
	if result.Valid {
		c.JSON(http.StatusOK, response)
	} else {
		c.JSON(http.StatusUnprocessableEntity, response)
	}
}
