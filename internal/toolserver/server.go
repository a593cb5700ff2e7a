// Package toolserver exposes the result-reporting tool surface that agent
// processes call back into. It is the single boundary where untrusted
// external input enters the core: every payload is schema-validated here
// before it can touch the run state.
package toolserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/lamarqa/hypoforge/internal/kvstore"
	"github.com/lamarqa/hypoforge/internal/state"
	"github.com/lamarqa/hypoforge/internal/timeline"
	"github.com/lamarqa/hypoforge/internal/workdir"
	"github.com/lamarqa/hypoforge/pkg/models"
)

// Server is the HTTP tool surface for one run.
type Server struct {
	store  *state.Store
	kv     *kvstore.Store
	tl     *timeline.Log
	layout *workdir.Layout
	logger *slog.Logger

	httpServer *http.Server
}

// New builds a server bound to addr. The engine runs in release mode; gin's
// default debug chatter does not belong in run logs.
func New(addr string, store *state.Store, kv *kvstore.Store, tl *timeline.Log, layout *workdir.Layout, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		kv:     kv,
		tl:     tl,
		layout: layout,
		logger: logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	tools := engine.Group("/tools")
	{
		tools.GET("/health", s.health)

		kvGroup := tools.Group("/kv")
		{
			kvGroup.POST("/get", s.kvGet)
			kvGroup.POST("/set", s.kvSet)
			kvGroup.POST("/delete", s.kvDelete)
			kvGroup.POST("/list", s.kvList)
			kvGroup.POST("/keys", s.kvKeys)
			kvGroup.POST("/clear", s.kvClear)
		}

		tools.POST("/hypothesis/report", s.reportHypothesis)
		tools.POST("/repro/report", s.reportRepro)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Tool server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// BaseURL returns the URL agents should use to reach the surface.
func (s *Server) BaseURL() string {
	return "http://" + s.httpServer.Addr
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ---- key-value namespace -------------------------------------------------

type kvKeyRequest struct {
	Key string `json:"key" binding:"required"`
}

type kvSetRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value"`
}

type kvPrefixRequest struct {
	Prefix string `json:"prefix"`
}

func (s *Server) kvGet(c *gin.Context) {
	var req kvKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, err := s.kv.Get(req.Key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "value": string(value)})
}

func (s *Server) kvSet(c *gin.Context) {
	var req kvSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.kv.Set(req.Key, []byte(req.Value)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key})
}

func (s *Server) kvDelete(c *gin.Context) {
	var req kvKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.kv.Delete(req.Key); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key})
}

func (s *Server) kvList(c *gin.Context) {
	var req kvPrefixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	items, err := s.kv.List(req.Prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make(map[string]string, len(items))
	for k, v := range items {
		out[k] = string(v)
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) kvKeys(c *gin.Context) {
	var req kvPrefixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	keys, err := s.kv.Keys(req.Prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) kvClear(c *gin.Context) {
	if err := s.kv.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// ---- verdict reporting ---------------------------------------------------

// hypothesisReport is the agent-supplied verdict payload. All fields are
// validated before anything reaches the store.
type hypothesisReport struct {
	HypothesisID string   `json:"hypothesis_id" binding:"required"`
	Tag          string   `json:"tag" binding:"required"`
	Reason       string   `json:"reason"`
	Evidence     []string `json:"evidence"`
}

func (s *Server) reportHypothesis(c *gin.Context) {
	var req hypothesisReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tag := models.ResultTag(req.Tag)
	if !models.ValidResultTag(tag) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tag must be Proven, Disproven, or Inconclusive"})
		return
	}

	snapshot := s.store.Snapshot()
	h := snapshot.Hypothesis(req.HypothesisID)
	if h == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown hypothesis id"})
		return
	}
	if h.Status != models.StatusRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "hypothesis is not running"})
		return
	}

	now := time.Now().UTC()
	completed := models.StatusCompleted
	_, err := s.store.UpdateHypothesis(req.HypothesisID, state.HypothesisUpdate{
		Status: &completed,
		Result: &models.HypothesisResult{
			Tag:        tag,
			Reason:     req.Reason,
			Evidence:   req.Evidence,
			ReportedAt: now,
		},
		CompletedAt: &now,
	})
	if err != nil {
		// Racing reports: the store refuses a second verdict, first wins.
		if errors.Is(err, state.ErrIllegalTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": "hypothesis already resolved"})
			return
		}
		s.logger.Error("Failed to record hypothesis verdict",
			"hypothesis_id", req.HypothesisID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record verdict"})
		return
	}

	s.tl.Hypothesis(models.EventTypeHypothesisCompleted, req.HypothesisID,
		"agent reported "+string(tag))
	s.logger.Info("Hypothesis verdict recorded",
		"hypothesis_id", req.HypothesisID, "tag", tag)
	c.JSON(http.StatusOK, gin.H{"hypothesis_id": req.HypothesisID, "tag": tag})
}

// reproReport is the agent-supplied reproduction outcome.
type reproReport struct {
	Tag       string   `json:"tag" binding:"required"`
	Signature string   `json:"signature"`
	Command   string   `json:"command"`
	Steps     []string `json:"steps"`
	Notes     string   `json:"notes"`
	Questions []string `json:"questions"`
}

func (s *Server) reportRepro(c *gin.Context) {
	var req reproReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tag := models.ReproTag(req.Tag)
	if !models.ValidReproTag(tag) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tag must be Success, NeedMoreInfo, or Failure"})
		return
	}
	if tag == models.ReproNeedMoreInfo && len(req.Questions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "NeedMoreInfo requires questions"})
		return
	}

	artifact := models.ReproArtifact{
		Tag:       tag,
		Signature: req.Signature,
		Command:   req.Command,
		Steps:     req.Steps,
		Notes:     req.Notes,
		Questions: req.Questions,
		CreatedAt: time.Now().UTC(),
	}
	if err := workdir.WriteJSON(s.layout.ReproPath(), artifact); err != nil {
		s.logger.Error("Failed to persist reproduction artifact", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist artifact"})
		return
	}

	s.logger.Info("Reproduction artifact recorded", "tag", tag)
	c.JSON(http.StatusOK, gin.H{"tag": tag})
}
