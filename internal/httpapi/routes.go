package httpapi

import (
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"trackbot/internal/tracking"
)

func (s *Server) routes(d Deps) {
	r := s.engine
	r.Use(requestID(), recovery(s.log), accessLog(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		if d.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "runtime": d.Health()})
	})

	authed := r.Group("/", auth(s.cfg.Token))

	v1 := authed.Group("/v1")
	h := handlers{tr: d.Tracker}
	v1.GET("/tracking", h.stats)
	v1.POST("/subscriptions", h.add)
	v1.GET("/channels/:channel/subscriptions", h.list)
	v1.DELETE("/channels/:channel/entities/:entity", h.removeEntity)
	v1.DELETE("/channels/:channel", h.removeChannel)
	if d.History != nil {
		v1.GET("/notifications", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"items": d.History()})
		})
	}

	if d.Metrics != nil {
		authed.GET("/metrics", gin.WrapH(d.Metrics))
	}
	if s.cfg.Pprof {
		dbg := authed.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.POST("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		dbg.GET("/:profile", func(c *gin.Context) {
			pprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
}

type handlers struct {
	tr Tracker
}

type addRequest struct {
	// Pointers so that 0 is a valid id while a missing field is not.
	EntityID  *int64     `json:"entity_id" binding:"required"`
	Mode      string     `json:"mode"`
	ChannelID *int64     `json:"channel_id" binding:"required"`
	Limit     int        `json:"limit" binding:"gte=0"`
	Marker    *time.Time `json:"marker"`
}

type subscriptionView struct {
	EntityID int64  `json:"entity_id"`
	Mode     string `json:"mode"`
	Limit    int    `json:"limit"`
}

type statsView struct {
	Tracked   int       `json:"tracked"`
	Scheduled int       `json:"scheduled"`
	Interval  string    `json:"interval"`
	Cooldown  string    `json:"cooldown"`
	LastPop   time.Time `json:"last_pop"`
}

func (h handlers) stats(c *gin.Context) {
	st := h.tr.Stats()
	c.JSON(http.StatusOK, statsView{
		Tracked:   st.Tracked,
		Scheduled: st.Scheduled,
		Interval:  st.Interval.String(),
		Cooldown:  st.Cooldown.String(),
		LastPop:   st.LastPop,
	})
}

func (h handlers) add(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	mode := tracking.ModeStandard
	if strings.TrimSpace(req.Mode) != "" {
		m, err := tracking.ParseMode(req.Mode)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		mode = m
	}
	marker := time.Now()
	if req.Marker != nil {
		marker = *req.Marker
	}

	changed, err := h.tr.Add(c.Request.Context(), *req.EntityID, mode, marker, tracking.ChannelID(*req.ChannelID), req.Limit)
	if err != nil {
		storeError(c, err)
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"changed": changed})
}

func (h handlers) list(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	subs := h.tr.List(ch)
	out := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscriptionView{EntityID: s.EntityID, Mode: s.Mode.String(), Limit: s.Limit})
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

func (h handlers) removeEntity(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	entity, err := strconv.ParseInt(c.Param("entity"), 10, 64)
	if err != nil {
		badRequest(c, "invalid entity id")
		return
	}
	n, err := h.tr.RemoveEntityFromChannel(c.Request.Context(), entity, ch)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h handlers) removeChannel(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	var filter *tracking.Mode
	if raw := c.Query("mode"); raw != "" {
		m, err := tracking.ParseMode(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter = &m
	}
	n, err := h.tr.RemoveChannel(c.Request.Context(), ch, filter)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func channelParam(c *gin.Context) (tracking.ChannelID, bool) {
	id, err := strconv.ParseInt(c.Param("channel"), 10, 64)
	if err != nil {
		badRequest(c, "invalid channel id")
		return 0, false
	}
	return tracking.ChannelID(id), true
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// storeError maps persistence failures to 503; the in-memory state is
// unchanged so the caller may retry.
func storeError(c *gin.Context, err error) {
	if errors.Is(err, tracking.ErrPersistence) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
