package handler

import "github.com/gofiber/fiber/v2"

// RegisterTryOnRoutes mounts the try-on API under api. limit guards the two
// routes that spend remote credits.
func RegisterTryOnRoutes(api fiber.Router, h *TryOnHandler, limit fiber.Handler) {
	tryOn := api.Group("/tryon")
	tryOn.Post("/", limit, h.Process)
	tryOn.Post("/start", limit, h.Start)
	tryOn.Get("/status/:jobId", h.Status)
	tryOn.Get("/result/:jobId", h.Result)
	tryOn.Post("/cancel/:jobId", h.Cancel)
	tryOn.Post("/attach", h.Attach)
	tryOn.Get("/credits", h.Credits)
}
