package app

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/redis/go-redis/v9"

	"carbonshot/internal/handlers"
	u "carbonshot/internal/utils"
)

// SetupApp creates the Fiber app with middleware and routes.
func SetupApp(cfg u.Config, rdb *redis.Client) *fiber.App {
	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit(cfg),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
				msg = fe.Message
			}

			u.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)
			return jsonError(c, code, msg)
		},
	})

	RegisterMiddleware(app, cfg)
	RegisterRoutes(app, cfg, rdb)

	// JSON 404 for everything else
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// bodyLimit leaves room for form encoding of the largest accepted snippet.
func bodyLimit(cfg u.Config) int {
	if cfg.Limits.MaxCodeBytes <= 0 {
		return fiber.DefaultBodyLimit
	}
	if n := cfg.Limits.MaxCodeBytes*3 + 4096; n > fiber.DefaultBodyLimit {
		return n
	}
	return fiber.DefaultBodyLimit
}

// RegisterRoutes mounts the v1 API.
func RegisterRoutes(app *fiber.App, cfg u.Config, rdb *redis.Client) {
	v1 := app.Group("/v1")

	// One service so every route shares the render slot.
	svc := handlers.NewImageService(cfg, rdb)

	v1.Post("/image", svc.HandleRender)
	v1.Get("/image/url", svc.HandleURL)
	v1.Get("/browser/stats", svc.HandleStats)

	v1.Get("/monitor", monitor.New())
}
