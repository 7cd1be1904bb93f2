package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	cors "github.com/itsjamie/gin-cors"
	"github.com/lagrangedao/go-compute-market/constants"
	"github.com/lagrangedao/go-compute-market/internal/market"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the HTTP surface of the market. A nil gatherer serves the
// default Prometheus registry.
func NewRouter(engine *market.Engine, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.Middleware(cors.Config{
		Origins:         "*",
		Methods:         "GET, PUT, POST, DELETE",
		RequestHeaders:  "Origin, Authorization, Content-Type",
		ExposedHeaders:  "",
		MaxAge:          50 * time.Second,
		ValidateHeaders: false,
	}))
	pprof.Register(r)

	var metricsHandler http.Handler
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	} else {
		metricsHandler = promhttp.Handler()
	}
	r.GET("/metrics", gin.WrapH(metricsHandler))

	MarketManager(r.Group(constants.API_BASE_PATH), NewHandler(engine))
	return r
}

func MarketManager(router *gin.RouterGroup, h *Handler) {
	router.GET("/health", h.Health)

	router.POST("/tasks", h.SubmitTask)
	router.GET("/tasks", h.ListTasks)
	router.GET("/tasks/:id", h.GetTask)
	router.DELETE("/tasks/:id", h.CancelTask)

	router.POST("/resources", h.RegisterResource)
	router.GET("/resources", h.ListResources)
	router.GET("/resources/:id", h.GetResource)

	router.GET("/reservations/:id", h.GetReservation)
	router.GET("/settlements/:reservation_id", h.GetSettlement)

	router.GET("/events", h.StreamEvents)
}
