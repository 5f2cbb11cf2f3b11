package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"courier/internal/backend"
	"courier/internal/dispatchqueue"
	"courier/internal/drain"
	"courier/internal/orchestrator"
	"courier/internal/runtime/supervisor"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type messageReq struct {
	ID      string `json:"id"`
	To      string `json:"to" binding:"required"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (m messageReq) request() backend.Request {
	return backend.Request{ID: m.ID, To: m.To, Subject: m.Subject, Body: m.Body}
}

type enqueueReq struct {
	messageReq
	Priority int `json:"priority"`
}

type enqueueResp struct {
	ID        string `json:"id"`
	QueueSize int    `json:"queueSize"`
}

type queueResp struct {
	Stats dispatchqueue.Stats  `json:"stats"`
	Items []dispatchqueue.Item `json:"items"`
}

type healthResp struct {
	Status string `json:"status"`
	orchestrator.Health
	Drain      *drain.Snapshot      `json:"drain,omitempty"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (s *Server) routes(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/messages", s.send)
	v1.GET("/messages", s.listMessages)
	v1.GET("/messages/:id", s.getMessage)
	v1.POST("/queue", s.enqueue)
	v1.GET("/queue", s.queue)
	v1.POST("/queue/drain", s.drainQueue)
	v1.GET("/health", s.health)
	v1.POST("/reset", s.reset)
	v1.GET("/logs", s.logs)
	v1.GET("/audit", s.audit)
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// sendStatus maps a terminal record to an HTTP status. The record is always
// the response body.
func sendStatus(rec *orchestrator.Record) int {
	switch rec.Status {
	case orchestrator.StatusSent, orchestrator.StatusAlreadySent:
		return http.StatusOK
	case orchestrator.StatusRateLimited:
		return http.StatusTooManyRequests
	default:
		if rec.Message == orchestrator.ErrAllBackendsUnavailable.Error() {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
}

func (s *Server) send(c *gin.Context) {
	var req messageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	rec := s.deps.Orchestrator.Send(c.Request.Context(), req.request())
	c.JSON(sendStatus(rec), rec)
}

func (s *Server) listMessages(c *gin.Context) {
	recs := s.deps.Orchestrator.AllStatuses()
	if st := c.Query("status"); st != "" {
		out := recs[:0]
		for _, r := range recs {
			if string(r.Status) == st {
				out = append(out, r)
			}
		}
		recs = out
	}
	c.JSON(http.StatusOK, gin.H{"messages": recs, "count": len(recs)})
}

func (s *Server) getMessage(c *gin.Context) {
	rec, ok := s.deps.Orchestrator.Status(c.Param("id"))
	if !ok {
		errorJSON(c, http.StatusNotFound, "message not found")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) enqueue(c *gin.Context) {
	var req enqueueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	id := s.deps.Orchestrator.EnqueuePriority(req.request(), req.Priority)
	c.JSON(http.StatusAccepted, enqueueResp{ID: id, QueueSize: s.deps.Orchestrator.Queue().Size()})
}

func (s *Server) queue(c *gin.Context) {
	q := s.deps.Orchestrator.Queue()
	items := q.Items()
	if items == nil {
		items = []dispatchqueue.Item{}
	}
	c.JSON(http.StatusOK, queueResp{Stats: q.Stats(), Items: items})
}

// drainQueue drains synchronously. ?concurrency=N (N > 1) sends in batches
// of N.
func (s *Server) drainQueue(c *gin.Context) {
	conc, err := intQuery(c, "concurrency", 1)
	if err != nil || conc < 1 {
		errorJSON(c, http.StatusBadRequest, "concurrency must be a positive integer")
		return
	}
	ctx := c.Request.Context()
	var st orchestrator.DrainStats
	if conc > 1 {
		st, err = s.deps.Orchestrator.ProcessQueue(ctx, conc)
	} else {
		st, err = s.deps.Orchestrator.DrainQueue(ctx)
	}
	switch {
	case errors.Is(err, orchestrator.ErrDrainInProgress):
		errorJSON(c, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "stats": st})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stats": st})
	default:
		c.JSON(http.StatusOK, st)
	}
}

func (s *Server) health(c *gin.Context) {
	h := healthResp{Status: "ok", Health: s.deps.Orchestrator.Health()}
	healthy := 0
	for _, p := range h.Providers {
		if p.Healthy {
			healthy++
		}
	}
	switch {
	case healthy == 0:
		h.Status = "unavailable"
	case healthy < len(h.Providers):
		h.Status = "degraded"
	}
	if s.deps.Drain != nil {
		snap := s.deps.Drain.Snapshot()
		h.Drain = &snap
	}
	if s.deps.Supervisor != nil {
		snap := s.deps.Supervisor.Snapshot()
		h.Supervisor = &snap
	}
	code := http.StatusOK
	if h.Status == "unavailable" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) reset(c *gin.Context) {
	s.deps.Orchestrator.Reset()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (s *Server) logs(c *gin.Context) {
	if s.deps.Logs == nil {
		errorJSON(c, http.StatusNotFound, "log buffer disabled")
		return
	}
	n, err := limitQuery(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	entries := s.deps.Logs.Recent(n)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) audit(c *gin.Context) {
	if s.deps.Audit == nil {
		errorJSON(c, http.StatusNotFound, "audit storage disabled")
		return
	}
	n, err := limitQuery(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.Audit.Recent(c.Request.Context(), n)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func limitQuery(c *gin.Context) (int, error) {
	n, err := intQuery(c, "n", defaultListLimit)
	if err != nil || n < 1 {
		return 0, errors.New("n must be a positive integer")
	}
	return min(n, maxListLimit), nil
}
