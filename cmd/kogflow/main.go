package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/KogFlow/internal/pkg/config"
	"github.com/ManuelReschke/KogFlow/internal/pkg/env"
	"github.com/ManuelReschke/KogFlow/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	app, err := NewApplication(context.Background(), cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Fatal(app.Listen(fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port)))
}

func NewApplication(ctx context.Context, cfg *config.Config) (*fiber.App, error) {
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		BodyLimit: cfg.App.BodyLimit,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	if cfg.App.MetricsPass != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{
				cfg.App.MetricsUser: cfg.App.MetricsPass,
			},
		}), monitor.New())
	}

	// local storage driver serves its objects itself
	if cfg.Storage.Driver == "local" {
		app.Static("/files", cfg.Storage.LocalRoot, fiber.Static{
			CacheDuration: 10 * time.Second,
			MaxAge:        604800, // 7 days
		})
	}

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.NewApiRouter(svc.handlers, router.LimiterConfig{
		Storage: router.NewLimiterStorage(svc.redis),
	}))

	return app, nil
}
