package api

import (
	"net/http"

	"adgen-server/models"
	"adgen-server/service"

	"github.com/gin-gonic/gin"
)

// Reconciler is the processor instance the API uses for lazy provider
// reconciliation; set in main.
var Reconciler *service.Processor

// GetAssets lists a project's assets. Assets still generating are reconciled
// against their providers on the way out, one poll per asset per request.
func GetAssets(c *gin.Context) {
	projectID := c.Param("project_id")
	if Reconciler != nil {
		assets, err := Reconciler.ReconcileAssets(projectID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"assets": assets})
		return
	}
	assets, err := models.AssetsByProject(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

func GradeAsset(c *gin.Context) {
	var req struct {
		Grade int `json:"grade" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	asset, err := service.GradeAsset(models.GormDB, c.Param("asset_id"), req.Grade)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset})
}

func RejectAsset(c *gin.Context) {
	asset, err := service.RejectAsset(models.GormDB, c.Param("asset_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset})
}

// RegenerateAsset re-runs a single asset, or cascades a keyframe edit down
// the visual-continuity chain when cascade=true.
func RegenerateAsset(c *gin.Context) {
	var req struct {
		Prompt  string `json:"prompt"`
		Cascade bool   `json:"cascade"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	asset, err := service.RegenerateAsset(models.GormDB, service.Queue,
		c.Param("asset_id"), req.Prompt, req.Cascade)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset})
}
