package routers

import (
	"adgen-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.PUT("/projects/:project_id", api.UpdateProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
		v1.POST("/projects/:project_id/product-image", api.UploadProductImage)

		v1.POST("/projects/:project_id/approve", api.ApproveProject)
		v1.POST("/projects/:project_id/influencer", api.SelectInfluencer)
		v1.POST("/projects/:project_id/cancel", api.CancelProject)
		v1.POST("/projects/:project_id/retry", api.RetryProject)
		v1.POST("/projects/:project_id/restart", api.RestartStage)
		v1.POST("/projects/:project_id/rollback", api.RollbackProject)

		v1.GET("/projects/:project_id/scenes", api.GetScenes)
		v1.POST("/projects/:project_id/scenes/:segment", api.EditSegment)

		v1.GET("/projects/:project_id/assets", api.GetAssets)
		v1.POST("/assets/:asset_id/grade", api.GradeAsset)
		v1.POST("/assets/:asset_id/reject", api.RejectAsset)
		v1.POST("/assets/:asset_id/regenerate", api.RegenerateAsset)
	}
	r.GET("/projects/:project_id/ws", api.ProjectProgressWebSocket)
	return r
}
