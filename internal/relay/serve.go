package relay

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vigil-proctor/backend/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// ServeWs handles the WebSocket upgrade for the relay endpoint and runs the
// connection's engine loop. The token travels in the query string because
// browser WebSocket clients cannot set an Authorization header.
func ServeWs(engine *Engine, jwtService *auth.JWTService, connCfg ConnConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := NewConn(ws, claims.UserID, claims.TenantID, claims.Role, connCfg, logger)
		logger.Debug("relay connection opened",
			zap.String("connection_id", conn.ID().String()),
			zap.String("user_id", claims.UserID.String()),
			zap.String("tenant_id", claims.TenantID.String()),
			zap.String("role", claims.Role))
		engine.Run(c.Request.Context(), conn)
	}
}

// ConnConfigFrom builds a ConnConfig from relay settings expressed in
// seconds (as they arrive from the environment).
func ConnConfigFrom(heartbeatSec, livenessTimeoutSec, sendBuffer, frameBuffer int) ConnConfig {
	return ConnConfig{
		Heartbeat:   time.Duration(heartbeatSec) * time.Second,
		PongWait:    time.Duration(livenessTimeoutSec) * time.Second,
		SendBuffer:  sendBuffer,
		FrameBuffer: frameBuffer,
	}
}
