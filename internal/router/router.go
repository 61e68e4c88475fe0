package router

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/mycoool/goota/internal/client"
	"github.com/mycoool/goota/internal/database"
	"github.com/mycoool/goota/internal/middleware"
	"github.com/mycoool/goota/internal/stream"
	"github.com/mycoool/goota/internal/sysinfo"
	"github.com/mycoool/goota/internal/update"
)

// InitRouter builds the local management API around the update manager.
func InitRouter(manager *update.Manager) *gin.Engine {
	g := gin.New()

	g.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		if param.Keys != nil {
			if noLog, exists := param.Keys["disable_log"]; exists && noLog == true {
				return ""
			}
		}
		return fmt.Sprintf("[Goota] %v | %3d | %13v | %15s | %-7s %#v\n%s",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.StatusCode,
			param.Latency,
			param.ClientIP,
			param.Method,
			param.Path,
			param.ErrorMessage,
		)
	}))
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// CORS for the local management UI
	g.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	g.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	// login interface
	g.POST("/client", client.Login)

	// get current user info interface
	g.GET("/current/user", middleware.DisableLogMiddleware(), middleware.AuthMiddleware(), client.GetCurrentUser)

	// update loop surface
	updateAPI := g.Group("/update", middleware.AuthMiddleware())
	{
		updateAPI.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, manager.Status())
		})

		updateAPI.GET("/logs", func(c *gin.Context) {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
			logs, err := database.State.RecentEvents(limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, logs)
		})

		updateAPI.POST("/check", func(c *gin.Context) {
			manager.TriggerCheck()
			c.JSON(http.StatusAccepted, gin.H{"message": "update check triggered"})
		})
	}

	// device runtime snapshot
	g.GET("/system/status", middleware.DisableLogMiddleware(), middleware.AuthMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, sysinfo.Collect(c.Request.Context()))
	})

	// event stream (quiesce + cycle events)
	g.GET("/ws", middleware.AuthMiddleware(), stream.HandleWebSocket)

	return g
}
