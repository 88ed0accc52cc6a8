package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"clinic-backend/internal/allocator"
	"clinic-backend/internal/broadcast"
	"clinic-backend/internal/config"
	"clinic-backend/internal/helper"
	"clinic-backend/internal/http/handler"
	"clinic-backend/internal/http/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
)

func main() {
	config.LoadEnv()

	db, err := config.InitDB()
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	defer db.Close()

	rdb, locker, err := config.InitRedis(context.Background())
	if err != nil {
		log.Fatalf("redis init failed: %v", err)
	}
	defer rdb.Close()

	loc := helper.ClinicLocation()

	counter := allocator.NewRedisCounter(rdb, locker, maxRegistrationToday(db, loc))
	alloc := allocator.New(counter, loc)

	hub := broadcast.NewHub(broadcast.DefaultLogPath())

	h := handler.New(db, alloc, hub, loc,
		config.GetEnv("CLINIC_OPEN_AT", "08:00"),
		config.GetEnv("CLINIC_CLOSE_AT", "22:00"),
	)

	app := fiber.New(fiber.Config{
		AppName:      "clinic-backend",
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: config.GetEnv("CORS_ORIGINS", "*"),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Last-Event-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true, "status": "ok"})
	})

	api := app.Group("/api")
	api.Get("/queue", h.ListQueue)
	api.Post("/queue", h.CreateQueue)
	api.Post("/queue/group", h.CreateGroupQueue)
	api.Get("/queue/group/:groupId", h.GetGroup)

	// Status changes and consultation records need a signed-in staff member
	auth := middleware.JWTAuth()
	staffOnly := middleware.RoleAuth("staff", "admin")
	api.Put("/queue/:id/status", auth, staffOnly, h.UpdateQueueStatus)
	api.Post("/consultations", auth, staffOnly, h.CreateConsultation)

	app.Get("/sse/queue-updates", h.QueueUpdates)
	app.Get("/sse/health", h.StreamHealth)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/queue-display", websocket.New(h.Display.Serve))

	port := config.GetEnv("PORT", "8080")
	log.Printf("clinic-backend listening on :%s", port)
	if err := app.Listen(":" + port); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

// maxRegistrationToday re-seeds the Redis counter from the database after a
// flush. Looks at persisted rows for the given clinic day only.
func maxRegistrationToday(db *sql.DB, loc *time.Location) allocator.MaxRegistrationFunc {
	return func(ctx context.Context, day string) (int64, error) {
		parsed, err := time.ParseInLocation("2006-01-02", day, loc)
		if err != nil {
			return 0, err
		}
		start, end := helper.DayBounds(parsed, loc)

		var max int64
		err = db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(registration_number), 0)
			FROM queue_entries
			WHERE queue_datetime >= ? AND queue_datetime < ?
		`, start, end).Scan(&max)
		return max, err
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	if code == fiber.StatusInternalServerError {
		log.Printf("[server] unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}
