package lifecycle

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes attaches the manager admin surface to a gin router.
func (m *Manager) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(m.startedAt).String(),
			"component": "lifecycle-manager",
			"topic":     m.TopicPath(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/clients", func(c *gin.Context) {
		clients := m.Clients()
		byID := make(map[string]string, len(clients))
		for id, topic := range clients {
			byID[strconv.Itoa(id)] = topic
		}
		c.JSON(http.StatusOK, gin.H{
			"active":  len(clients),
			"clients": byID,
		})
	})

	r.GET("/handshaking", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"handshaking": m.HandshakingClients(),
		})
	})

	r.GET("/clients/:id/state", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
			return
		}
		state, ok := m.ClientState(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not active"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"client_id": id, "state": state})
	})

	r.DELETE("/clients/:id", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
			return
		}
		if err := m.DeleteClient(id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"client_id": id, "deleting": true})
	})
}
