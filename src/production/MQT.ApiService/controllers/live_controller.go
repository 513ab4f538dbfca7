package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	broadcast "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Broadcast"
	config "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
)

// LiveController streams the live feed over websockets
type LiveController struct {
	hub      *broadcast.Hub
	cfg      config.LiveConfig
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewLiveController creates a new live feed controller
func NewLiveController(hub *broadcast.Hub, cfg config.LiveConfig, logger *logger.Logger) *LiveController {
	return &LiveController{
		hub:    hub,
		cfg:    cfg,
		logger: logger.WithComponent("live_feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// origin policy is enforced by the CORS configuration
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the live feed route with Gin
func (c *LiveController) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/live", c.Live)
}

func (c *LiveController) Live(ctx *gin.Context) {
	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		c.logger.WarnWithError(err, "Websocket upgrade failed")
		return
	}
	defer conn.Close()

	viewer, err := c.hub.Subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(c.cfg.WriteTimeout))
		return
	}
	defer c.hub.Unsubscribe(viewer)

	log := c.logger.WithField("viewer_id", viewer.ID().String())
	log.Debug("Live viewer connected")

	go c.readPump(conn, viewer)
	c.writePump(conn, viewer, log)

	log.Debug("Live viewer disconnected")
}

// readPump discards inbound frames and unsubscribes the viewer once the
// peer goes away, which in turn ends writePump
func (c *LiveController) readPump(conn *websocket.Conn, viewer *broadcast.Viewer) {
	defer c.hub.Unsubscribe(viewer)

	conn.SetReadLimit(4096)
	if c.cfg.PingInterval > 0 {
		pongWait := 2 * c.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *LiveController) writePump(conn *websocket.Conn, viewer *broadcast.Viewer, log *logger.Logger) {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg, ok := <-viewer.Messages():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.cfg.WriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WarnWithError(err, "Live write failed")
				return
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
