package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.envmon/src/production/MQT.ApiService/implementation/ingest"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
	api_models "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models/api"
	interfaces "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Repository/Interfaces"
)

const maxIngestBody = 64 << 10

// SensorController handles device ingest and latest-reading queries
type SensorController struct {
	ingestService *ingest.IngestService
	reader        interfaces.LatestReader
	logger        *logger.Logger
}

// NewSensorController creates a new sensor controller
func NewSensorController(ingestService *ingest.IngestService, reader interfaces.LatestReader, logger *logger.Logger) *SensorController {
	return &SensorController{
		ingestService: ingestService,
		reader:        reader,
		logger:        logger,
	}
}

// RegisterRoutes registers the sensor routes with Gin
func (c *SensorController) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/sensordata", c.IngestReading)
		api.GET("/latest", c.GetLatestAll)
		api.GET("/latest/:device_id", c.GetLatest)
	}
}

func (c *SensorController) IngestReading(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxIngestBody))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	event, err := c.ingestService.IngestPayload(ctx.Request.Context(), body)
	if err != nil {
		var verr *mqtmodels.ValidationError
		if errors.As(err, &verr) {
			ctx.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid reading",
				"details": verr.Problems,
			})
			return
		}
		c.logger.ErrorWithError(err, "Failed to ingest reading")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest reading"})
		return
	}

	ctx.JSON(http.StatusOK, api_models.IngestResponse{
		Status: "ok",
		Reading: mqtmodels.LatestEntry{
			DeviceID: event.DeviceID,
			Room:     event.Room,
			Reading:  event.Reading,
			LastSeen: event.Timestamp,
		},
	})
}

func (c *SensorController) GetLatestAll(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.reader.LatestAll())
}

func (c *SensorController) GetLatest(ctx *gin.Context) {
	entry, ok := c.reader.Latest(ctx.Param("device_id"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": mqtmodels.ErrNotFound.Error()})
		return
	}
	ctx.JSON(http.StatusOK, entry)
}
