package main

import (
	"net/http"
	"slices"
	"time"

	"github.com/ghuvrons/siolink"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var startedAt = time.Now()

func newRouter(io *siolink.Server, origins []string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(startedAt).String(),
			"sessions": io.Engine().Count(),
			"sockets":  len(io.Sockets()),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Any("/socket.io/*any", gin.WrapH(io))
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		level := zap.DebugLevel
		if status >= 500 {
			level = zap.ErrorLevel
		} else if status >= 400 {
			level = zap.WarnLevel
		}
		logger.Log(level, "http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// registerHandlers wires the demo events: "join" and "leave" manage rooms,
// "message" is relayed to a room or everyone, "echo" acknowledges with its
// own arguments.
func registerHandlers(io *siolink.Server, logger *zap.Logger) {
	io.On("connection", func(socket *siolink.ServerSocket, _ ...any) siolink.EventResponse {
		logger.Info("client_connected", zap.String("socket", socket.ID()), zap.String("nsp", socket.Namespace()))
		return nil
	})

	io.On("disconnect", func(socket *siolink.ServerSocket, args ...any) siolink.EventResponse {
		reason, _ := args[0].(string)
		logger.Info("client_disconnected", zap.String("socket", socket.ID()), zap.String("reason", reason))
		return nil
	})

	io.On("join", func(socket *siolink.ServerSocket, args ...any) siolink.EventResponse {
		room, ok := firstString(args)
		if !ok {
			return siolink.EventResponse{"room name required"}
		}
		socket.Join(room)
		return siolink.EventResponse{"ok"}
	})

	io.On("leave", func(socket *siolink.ServerSocket, args ...any) siolink.EventResponse {
		room, ok := firstString(args)
		if !ok {
			return siolink.EventResponse{"room name required"}
		}
		socket.Leave(room)
		return siolink.EventResponse{"ok"}
	})

	// message [room] payload
	io.On("message", func(socket *siolink.ServerSocket, args ...any) siolink.EventResponse {
		if len(args) == 2 {
			if room, ok := args[0].(string); ok {
				io.To(room).Emit("message", args[1])
				return siolink.EventResponse{"ok"}
			}
		}
		io.Emit("message", args...)
		return siolink.EventResponse{"ok"}
	})

	io.On("echo", func(_ *siolink.ServerSocket, args ...any) siolink.EventResponse {
		if args == nil {
			args = []any{}
		}
		return siolink.EventResponse(args)
	})
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok && s != ""
}
