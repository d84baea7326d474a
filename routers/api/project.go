package api

import (
	"net/http"
	"time"

	"adgen-server/models"
	"adgen-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateProject registers a new video-ad run. The project starts at the
// created gate; approval kicks off product analysis.
func CreateProject(c *gin.Context) {
	var req struct {
		ProductURL       string `json:"product_url" binding:"required"`
		Tone             string `json:"tone"`
		ProductPlacement string `json:"product_placement"`
		NegativePrompt   string `json:"negative_prompt"`
		VideoModel       string `json:"video_model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := models.Project{
		ID:               uuid.NewString(),
		Status:           models.StatusCreated,
		ProductURL:       req.ProductURL,
		Tone:             req.Tone,
		ProductPlacement: req.ProductPlacement,
		NegativePrompt:   req.NegativePrompt,
		VideoModel:       req.VideoModel,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := models.CreateProject(models.GormDB, &project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": project})
}

func GetProject(c *gin.Context) {
	project, err := models.GetProjectByID(models.GormDB, c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

// UpdateProject edits the user-tunable settings. Only allowed while the
// pipeline is parked at a gate so a running stage never reads half-updated
// settings.
func UpdateProject(c *gin.Context) {
	project, err := models.GetProjectByID(models.GormDB, c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	if !project.Status.IsGate() {
		c.JSON(http.StatusConflict, gin.H{"error": "settings can only be changed at a review gate"})
		return
	}

	var req struct {
		Tone             *string `json:"tone"`
		ProductPlacement *string `json:"product_placement"`
		NegativePrompt   *string `json:"negative_prompt"`
		VideoModel       *string `json:"video_model"`
		ProductImageURL  *string `json:"product_image_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.Tone != nil {
		updates["tone"] = *req.Tone
	}
	if req.ProductPlacement != nil {
		updates["product_placement"] = *req.ProductPlacement
	}
	if req.NegativePrompt != nil {
		updates["negative_prompt"] = *req.NegativePrompt
	}
	if req.VideoModel != nil {
		updates["video_model"] = *req.VideoModel
	}
	if req.ProductImageURL != nil {
		updates["product_image_url"] = *req.ProductImageURL
	}
	if err := models.GormDB.Model(project).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	GetProject(c)
}

func DeleteProject(c *gin.Context) {
	if err := service.DeleteProject(models.GormDB, c.Param("project_id")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func ApproveProject(c *gin.Context) {
	project, err := service.Approve(models.GormDB, service.Queue, c.Param("project_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

func SelectInfluencer(c *gin.Context) {
	var req struct {
		InfluencerID   string `json:"influencer_id" binding:"required"`
		VoiceID        string `json:"voice_id"`
		CharacterBrief string `json:"character_brief"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project, err := service.SelectInfluencer(models.GormDB, service.Queue,
		c.Param("project_id"), req.InfluencerID, req.VoiceID, req.CharacterBrief)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

func CancelProject(c *gin.Context) {
	project, err := service.Cancel(models.GormDB, c.Param("project_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

func RetryProject(c *gin.Context) {
	project, err := service.Retry(models.GormDB, service.Queue, c.Param("project_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

func RestartStage(c *gin.Context) {
	var req struct {
		Stage string `json:"stage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project, err := service.Restart(models.GormDB, service.Queue, c.Param("project_id"), req.Stage)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

func RollbackProject(c *gin.Context) {
	project, err := service.Rollback(models.GormDB, c.Param("project_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

// UploadProductImage stores a hero shot for the product and records its URL.
// Uploading is what clears the analysis_review precondition when analysis
// could not find a usable image.
func UploadProductImage(c *gin.Context) {
	project, err := models.GetProjectByID(models.GormDB, c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	defer file.Close()

	objectName := "projects/" + project.ID + "/product/" + header.Filename
	url, err := service.UploadToBucket(file, objectName, header.Size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed: " + err.Error()})
		return
	}
	err = models.GormDB.Model(project).Updates(map[string]interface{}{
		"product_image_url": url,
		"updated_at":        time.Now(),
	}).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_image_url": url})
}
