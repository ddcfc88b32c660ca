// Package api exposes a read-only HTTP view of the engine state for
// dashboards and manual inspection. Nothing here mutates positions.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trade-mirror/internal/report"
	"trade-mirror/pkg/db"
)

// Server wires HTTP endpoints around the local store.
type Server struct {
	Router  *gin.Engine
	DB      *db.Database
	Scaling report.Scaling
}

func NewServer(database *db.Database, scaling report.Scaling) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{Router: r, DB: database, Scaling: scaling}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/positions", s.getPositions)
		api.GET("/orders", s.getOrders)
		api.GET("/mirror/positions", s.getMirrorPositions)
		api.GET("/trades/closed", s.getClosedTrades)
		api.GET("/report/monthly", s.getMonthlyReport)
	}
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getPositions(c *gin.Context) {
	s.positionsFrom(c, db.TablePositions)
}

func (s *Server) getMirrorPositions(c *gin.Context) {
	s.positionsFrom(c, db.TableMirrorPositions)
}

func (s *Server) positionsFrom(c *gin.Context, table string) {
	positions, err := s.DB.ListPositions(c.Request.Context(), table)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getOrders(c *gin.Context) {
	orders, err := s.DB.ListOpenOrders(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if orders == nil {
		orders = []db.OpenOrder{}
	}
	c.JSON(http.StatusOK, orders)
}

// getClosedTrades returns closures from the last N days (default 30).
func (s *Server) getClosedTrades(c *gin.Context) {
	var q struct {
		Days int `form:"days"`
	}
	if err := c.ShouldBindQuery(&q); err != nil || q.Days < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	if q.Days == 0 {
		q.Days = 30
	}

	now := time.Now().UTC()
	trades, err := s.DB.ListClosedTradesBetween(c.Request.Context(), now.AddDate(0, 0, -q.Days), now)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if trades == nil {
		trades = []db.ClosedTrade{}
	}
	c.JSON(http.StatusOK, trades)
}

// getMonthlyReport returns the summary for ?month=YYYY-MM, default the
// current month.
func (s *Server) getMonthlyReport(c *gin.Context) {
	at := time.Now().UTC()
	if m := c.Query("month"); m != "" {
		parsed, err := time.Parse("2006-01", m)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", "month must be YYYY-MM")
			return
		}
		at = parsed
	}

	sum, err := report.Monthly(c.Request.Context(), s.DB, at, s.Scaling)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"month":    sum.Month.Format("2006-01"),
		"trades":   sum.Trades,
		"wins":     sum.Wins,
		"win_rate": sum.WinRate(),
		"net_pnl":  sum.NetPnl,
		"avg_rr":   sum.AvgRR,
		"volume":   sum.Volume,
		"text":     report.Render(sum),
	})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
