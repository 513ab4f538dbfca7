package main

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.envmon/src/production/MQT.ApiService/controllers"
	"gitlab.com/maplesense1/mpt.envmon/src/production/MQT.ApiService/middleware"
	container "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Container"
)

// newRouter wires every controller onto a gin engine. The container must be
// initialized.
func newRouter(ctr *container.ApiContainer) *gin.Engine {
	config := ctr.GetConfig()
	logger := ctr.GetLogger()

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())

	// Configure CORS from config
	corsConfig := cors.Config{
		AllowOrigins:     config.CORS.AllowedOrigins,
		AllowMethods:     config.CORS.AllowedMethods,
		AllowHeaders:     config.CORS.AllowedHeaders,
		ExposeHeaders:    config.CORS.ExposedHeaders,
		AllowCredentials: config.CORS.AllowCredentials,
		MaxAge:           time.Duration(config.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	// Create controllers and register routes
	sensorController := controllers.NewSensorController(ctr.GetIngestService(), ctr.GetStore(), logger)
	liveController := controllers.NewLiveController(ctr.GetHub(), config.Live, logger)
	healthController := controllers.NewHealthController(ctr.GetHealthChecker(), ctr.GetMetricsRegistry(), logger)
	staticController := controllers.NewStaticController(config.Dashboard.StaticDir)

	sensorController.RegisterRoutes(router)
	liveController.RegisterRoutes(router)
	healthController.RegisterRoutes(router)
	staticController.RegisterRoutes(router)

	return router
}
