package main

import (
	"adgen-server/config"
	"adgen-server/models"
	"adgen-server/routers"
	"adgen-server/routers/api"
	"adgen-server/service"

	"go.uber.org/zap"
)

func main() {
	config.InitConfig()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	models.InitDB()
	logger.Info("database initialized")

	service.InitQueue()
	logger.Info("queue initialized")

	service.InitMinIO()
	logger.Info("object storage initialized")

	processor := service.NewProcessor(models.GormDB, service.Queue)
	processor.StartProcessor(config.AppConfig.Pipeline.Concurrency)
	api.Reconciler = processor

	r := routers.InitRouter()
	logger.Info("server starting", zap.String("port", config.AppConfig.Server.Port))
	if err := r.Run(config.AppConfig.Server.Port); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
