// Package httpapi is the gin surface of the dispatch and payment core. All
// request state lives in the database; handlers translate HTTP into service
// calls and domain errors into the API taxonomy.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/resq-labs/resq-core/internal/dispatch"
	"github.com/resq-labs/resq-core/internal/lifecycle"
	"github.com/resq-labs/resq-core/internal/payments"
	"github.com/resq-labs/resq-core/internal/pricing"
	"github.com/resq-labs/resq-core/internal/realtime"
	"github.com/resq-labs/resq-core/internal/store"
)

// Deps are the wired collaborators the API serves.
type Deps struct {
	Store     *store.Store
	Lifecycle *lifecycle.Service
	Dispatch  *dispatch.Engine
	Payments  *payments.Service
	Pricing   *pricing.ConfigCache
	Hub       *realtime.Hub

	CORSOrigins string
	Log         zerolog.Logger
}

// Server holds the handler set.
type Server struct {
	deps Deps
	log  zerolog.Logger
}

// NewRouter builds the gin engine with all routes attached.
func NewRouter(deps Deps) *gin.Engine {
	s := &Server{deps: deps, log: deps.Log.With().Str("component", "http").Logger()}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.log))
	router.Use(corsMiddleware(deps.CORSOrigins))
	router.Use(actorMiddleware())

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", func(c *gin.Context) {
		deps.Hub.ServeWS(c.Writer, c.Request)
	})

	api := router.Group("/api")
	{
		api.POST("/requests", s.createRequest)
		api.GET("/requests/:id", s.getRequest)
		api.PATCH("/requests/:id/status", s.updateStatus)
		api.POST("/requests/:id/cancel", s.cancelRequest)

		api.POST("/dispatch/:id/offers", s.dispatchOffers)
		api.GET("/dispatch/:id/analyze", s.analyzeDispatch)
		api.POST("/dispatch/accept", s.acceptJob)

		api.POST("/payments/quote", s.paymentQuote)
		api.POST("/payments/order", s.paymentOrder)
		api.POST("/payments/confirm", s.paymentConfirm)
		api.POST("/payments/cash", s.paymentCash)

		api.POST("/webhooks/razorpay", s.razorpayWebhook)

		api.POST("/technicians/location", s.technicianLocation)
		api.POST("/technicians/availability", s.technicianAvailability)
		api.GET("/technicians/:id/dues", s.listDues)
		api.POST("/technicians/:id/dues/settle", s.settleDues)

		api.GET("/admin/pricing", s.getPricing)
		api.PUT("/admin/pricing", s.updatePricing)
	}

	return router
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
