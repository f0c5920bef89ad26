package router

import (
	"github.com/gofiber/fiber/v2"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers all routers on the app.
func InstallRouter(app *fiber.App, routers ...Router) {
	setup(app, routers...)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
