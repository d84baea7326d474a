package api

import (
	"net/http"
	"strconv"

	"adgen-server/models"
	"adgen-server/service"

	"github.com/gin-gonic/gin"
)

// GetScenes returns the current (max-version) scene per segment.
func GetScenes(c *gin.Context) {
	scenes, err := models.CurrentScenes(models.GormDB, c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": scenes})
}

// EditSegment appends a new version of one segment's script.
func EditSegment(c *gin.Context) {
	segment, err := strconv.Atoi(c.Param("segment"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "segment must be an integer"})
		return
	}
	var req struct {
		ScriptText      string `json:"script_text"`
		CameraSpec      string `json:"camera_spec"`
		InteractionSpec string `json:"interaction_spec"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scene, err := service.EditSegment(models.GormDB, c.Param("project_id"), segment,
		req.ScriptText, req.CameraSpec, req.InteractionSpec)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scene": scene})
}
