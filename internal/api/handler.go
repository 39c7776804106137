package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"liqcore/internal/monitor"
	"liqcore/pkg/exchanges/binance"
)

// Server exposes the operator API: quota status, tracked tranches and manual
// mode switches. It reads live state; trading decisions stay in the monitor.
type Server struct {
	Router    *gin.Engine
	Governor  *binance.Governor
	Monitor   *monitor.Monitor
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Testnet   bool
	HedgeMode bool
	Version   string
}

func NewServer(gov *binance.Governor, mon *monitor.Monitor, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{
		Router:    r,
		Governor:  gov,
		Monitor:   mon,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/tranches", s.getTranches)
		api.POST("/governor/liquidation", s.enterLiquidationMode)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getStatus reports quota usage and a summary of tracked positions.
func (s *Server) getStatus(c *gin.Context) {
	usage := s.Governor.Snapshot()
	tranches := s.Monitor.Store().ListAll()

	positions := make(map[string]int)
	for _, t := range tranches {
		positions[t.Symbol+"/"+string(t.Side)]++
	}

	c.JSON(http.StatusOK, gin.H{
		"quota":     usage,
		"tranches":  len(tranches),
		"positions": positions,
		"testnet":   s.Meta.Testnet,
		"hedge":     s.Meta.HedgeMode,
		"version":   s.Meta.Version,
	})
}

// getTranches lists every tracked tranche.
func (s *Server) getTranches(c *gin.Context) {
	tranches := s.Monitor.Store().ListAll()

	type trancheView struct {
		ID            int     `json:"id"`
		Symbol        string  `json:"symbol"`
		Side          string  `json:"side"`
		Qty           float64 `json:"qty"`
		EntryPrice    float64 `json:"entry_price"`
		TPPrice       float64 `json:"tp_price"`
		SLPrice       float64 `json:"sl_price"`
		TPOrderID     int64   `json:"tp_order_id,omitempty"`
		SLOrderID     int64   `json:"sl_order_id,omitempty"`
		FailCount     int     `json:"fail_count,omitempty"`
		DisabledUntil string  `json:"disabled_until,omitempty"`
	}

	out := make([]trancheView, 0, len(tranches))
	for _, t := range tranches {
		v := trancheView{
			ID:         t.ID,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			Qty:        t.Qty,
			EntryPrice: t.EntryPrice,
			TPPrice:    t.TPPrice,
			SLPrice:    t.SLPrice,
			TPOrderID:  t.TPOrderID,
			SLOrderID:  t.SLOrderID,
			FailCount:  t.FailCount,
		}
		if !t.DisabledUntil.IsZero() {
			v.DisabledUntil = t.DisabledUntil.UTC().Format(time.RFC3339)
		}
		out = append(out, v)
	}

	c.JSON(http.StatusOK, gin.H{"tranches": out})
}

// enterLiquidationMode switches the governor to its most aggressive quota
// profile for a bounded window.
func (s *Server) enterLiquidationMode(c *gin.Context) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.Minutes <= 0 || req.Minutes > 60 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_DURATION",
			"error": "minutes must be between 1 and 60",
		})
		return
	}

	d := time.Duration(req.Minutes) * time.Minute
	s.Governor.EnterLiquidationMode(d)
	c.JSON(http.StatusOK, gin.H{
		"mode":  "LIQUIDATION",
		"until": time.Now().Add(d).UTC().Format(time.RFC3339),
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
