package main

import (
	"log"

	"github.com/kataras/iris/v12"

	"github.com/example/speedyspoon/internal/config"
	"github.com/example/speedyspoon/internal/infra/logger"
	"github.com/example/speedyspoon/internal/server"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl := logger.Init()
	defer zl.Sync()

	app := iris.New()
	server.RegisterRoutes(app, cfg)

	addr := cfg.Server.Addr()
	zl.Sugar().Infof("api server listening on %s", addr)
	if err := app.Run(iris.Addr(addr)); err != nil {
		log.Fatalf("failed to run api server: %v", err)
	}
}
