// Package http exposes the environment lifecycle over a fiber REST API plus a
// websocket feed that tells clients when to re-fetch.
package http

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/core/domain"
	"github.com/envdock/envdock/internal/core/ports"
	"github.com/envdock/envdock/internal/core/settings"
)

// EnvironmentHandler serves the environment routes on top of the lifecycle
// engine.
type EnvironmentHandler struct {
	lifecycle ports.Lifecycle
	log       *zap.Logger
}

func NewEnvironmentHandler(lifecycle ports.Lifecycle, log *zap.Logger) *EnvironmentHandler {
	return &EnvironmentHandler{lifecycle: lifecycle, log: log}
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrLockTimeout):
		return fiber.StatusLocked
	case errors.Is(err, domain.ErrConnection):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}

func (h *EnvironmentHandler) ListEnvironments(c *fiber.Ctx) error {
	envs, err := h.lifecycle.ListEnvironments(c.Context(), c.Query("folder"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(envs)
}

func (h *EnvironmentHandler) GetEnvironment(c *fiber.Ctx) error {
	env, err := h.lifecycle.GetEnvironment(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(env)
}

func (h *EnvironmentHandler) CreateEnvironment(c *fiber.Ctx) error {
	var env domain.Environment
	if err := c.BodyParser(&env); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	created, err := h.lifecycle.CreateEnvironment(c.Context(), env)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *EnvironmentHandler) DuplicateEnvironment(c *fiber.Ctx) error {
	var env domain.Environment
	if err := c.BodyParser(&env); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	dup, err := h.lifecycle.DuplicateEnvironment(c.Context(), c.Params("id"), env)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dup)
}

func (h *EnvironmentHandler) UpdateEnvironment(c *fiber.Ctx) error {
	var update domain.EnvironmentUpdate
	if err := c.BodyParser(&update); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	env, err := h.lifecycle.UpdateEnvironment(c.Context(), c.Params("id"), update)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(env)
}

func (h *EnvironmentHandler) ActivateEnvironment(c *fiber.Ctx) error {
	allowMultiple := c.QueryBool("allow_multiple", false)
	env, err := h.lifecycle.ActivateEnvironment(c.Context(), c.Params("id"), allowMultiple)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(env)
}

func (h *EnvironmentHandler) DeactivateEnvironment(c *fiber.Ctx) error {
	env, err := h.lifecycle.DeactivateEnvironment(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(env)
}

func (h *EnvironmentHandler) DeleteEnvironment(c *fiber.Ctx) error {
	id, err := h.lifecycle.DeleteEnvironment(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"id": id})
}

// ImagePuller is the slice of the runtime gateway the image routes need.
type ImagePuller interface {
	EnsureImage(ctx context.Context, ref string) error
}

// ImageHandler serves image operations.
type ImageHandler struct {
	puller ImagePuller
	log    *zap.Logger
}

func NewImageHandler(puller ImagePuller, log *zap.Logger) *ImageHandler {
	return &ImageHandler{puller: puller, log: log}
}

type pullRequest struct {
	Image string `json:"image"`
}

// PullImage fetches an image if it is not already present locally. The call
// blocks until the pull completes.
func (h *ImageHandler) PullImage(c *fiber.Ctx) error {
	var req pullRequest
	if err := c.BodyParser(&req); err != nil || req.Image == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "image reference is required",
		})
	}

	h.log.Info("pulling image", zap.String("image", req.Image))
	if err := h.puller.EnsureImage(c.Context(), req.Image); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"image": req.Image})
}

// SettingsHandler serves user settings and folder management.
type SettingsHandler struct {
	manager   *settings.Manager
	lifecycle ports.Lifecycle

	// defaultWorkspacePath seeds the workspace location on first load.
	defaultWorkspacePath string
}

func NewSettingsHandler(manager *settings.Manager, lifecycle ports.Lifecycle, defaultWorkspacePath string) *SettingsHandler {
	return &SettingsHandler{
		manager:              manager,
		lifecycle:            lifecycle,
		defaultWorkspacePath: defaultWorkspacePath,
	}
}

func (h *SettingsHandler) GetSettings(c *fiber.Ctx) error {
	s, err := h.manager.Load(c.Context(), h.defaultWorkspacePath)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(s)
}

func (h *SettingsHandler) UpdateSettings(c *fiber.Ctx) error {
	var s settings.UserSettings
	if err := c.BodyParser(&s); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := h.manager.Save(c.Context(), s); err != nil {
		return fail(c, err)
	}
	return c.JSON(s)
}

type folderRequest struct {
	Name string `json:"name"`
}

func (h *SettingsHandler) CreateFolder(c *fiber.Ctx) error {
	var req folderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	folder, err := h.manager.CreateFolder(c.Context(), req.Name)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(folder)
}

func (h *SettingsHandler) UpdateFolder(c *fiber.Ctx) error {
	var req folderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	folder, err := h.manager.UpdateFolder(c.Context(), c.Params("id"), req.Name)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(folder)
}

func (h *SettingsHandler) DeleteFolder(c *fiber.Ctx) error {
	// Folder membership lives on the environment records, so deletion needs
	// the current collection to refuse removing a folder still in use.
	envs, err := h.lifecycle.ListEnvironments(c.Context(), "")
	if err != nil {
		return fail(c, err)
	}
	if err := h.manager.DeleteFolder(c.Context(), c.Params("id"), envs); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RegisterRoutes wires every handler under /api/v1.
func RegisterRoutes(app *fiber.App, envs *EnvironmentHandler, sets *SettingsHandler, images *ImageHandler, hub *Hub) {
	api := app.Group("/api")
	v1 := api.Group("/v1")

	environments := v1.Group("/environments")
	environments.Get("/", envs.ListEnvironments)
	environments.Post("/", envs.CreateEnvironment)
	environments.Get("/:id", envs.GetEnvironment)
	environments.Put("/:id", envs.UpdateEnvironment)
	environments.Delete("/:id", envs.DeleteEnvironment)
	environments.Post("/:id/activate", envs.ActivateEnvironment)
	environments.Post("/:id/deactivate", envs.DeactivateEnvironment)
	environments.Post("/:id/duplicate", envs.DuplicateEnvironment)

	v1.Get("/settings", sets.GetSettings)
	v1.Put("/settings", sets.UpdateSettings)

	v1.Post("/images/pull", images.PullImage)

	folders := v1.Group("/folders")
	folders.Post("/", sets.CreateFolder)
	folders.Put("/:id", sets.UpdateFolder)
	folders.Delete("/:id", sets.DeleteFolder)

	hub.Register(app, "/ws")
}
