package relay

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// RegisterAPIRoutes mounts the room endpoints on router.
func (r *Relay) RegisterAPIRoutes(router fiber.Router) {
	router.Get("/rooms", func(c *fiber.Ctx) error {
		return c.JSON(r.opts.Rooms.List())
	})

	router.Post("/room", func(c *fiber.Ctx) error {
		var req struct {
			Name string `json:"name"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": err.Error()})
			}
		}
		room, err := r.opts.Rooms.Create(c.UserContext(), req.Name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": err.Error()})
		}
		return c.JSON(room)
	})

	router.Get("/room/:id", func(c *fiber.Ctx) error {
		room, ok := r.opts.Rooms.Get(c.Params("id"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Room not found"})
		}
		return c.JSON(room)
	})

	router.Post("/room/:id/close", func(c *fiber.Ctx) error {
		_, err := r.opts.Rooms.Close(c.UserContext(), c.Params("id"))
		switch {
		case errors.Is(err, ErrRoomNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Room not found"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": err.Error()})
		}
		return c.JSON(fiber.Map{"message": "Room closed"})
	})

	router.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": r.SessionCount(),
			"rooms":    len(r.opts.Rooms.List()),
		})
	})
}
