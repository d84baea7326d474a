package api

import (
	"net/http"
	"time"

	"adgen-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type progressFrame struct {
	Status       models.ProjectStatus `json:"status"`
	ErrorMessage string               `json:"errorMessage,omitempty"`
	AssetsTotal  int                  `json:"assetsTotal"`
	AssetsDone   int                  `json:"assetsDone"`
}

// ProjectProgressWebSocket pushes project status and asset progress sourced
// from the DB. The workers own all writes; this endpoint only observes.
func ProjectProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "websocket upgrade failed"})
		return
	}
	defer conn.Close()

	snapshot := func() (*progressFrame, error) {
		project, err := models.GetProjectByID(models.GormDB, projectID)
		if err != nil {
			return nil, err
		}
		assets, err := models.AssetsByProject(models.GormDB, projectID)
		if err != nil {
			return nil, err
		}
		frame := &progressFrame{
			Status:       project.Status,
			ErrorMessage: project.ErrorMessage,
		}
		for _, a := range assets {
			frame.AssetsTotal++
			if a.Status == models.AssetStatusCompleted {
				frame.AssetsDone++
			}
		}
		return frame, nil
	}

	prev, err := snapshot()
	if err != nil {
		_ = conn.WriteJSON(map[string]interface{}{"error": "project not found"})
		return
	}
	_ = conn.WriteJSON(prev)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		cur, err := snapshot()
		if err != nil {
			continue
		}
		if *cur != *prev {
			if err := conn.WriteJSON(cur); err != nil {
				break
			}
			prev = cur
		}
		if cur.Status.IsTerminal() {
			_ = conn.WriteJSON(cur)
			break
		}
	}
}
