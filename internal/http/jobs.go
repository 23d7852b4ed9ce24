package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"adwatch/internal/store"
)

type createJobRequest struct {
	Name            string  `json:"name"`
	Query           *string `json:"query"`
	Location        *string `json:"location"`
	RadiusKm        *int    `json:"radius_km"`
	MinPrice        *int    `json:"min_price"`
	MaxPrice        *int    `json:"max_price"`
	PageCount       int     `json:"page_count"`
	IntervalSeconds int     `json:"interval_seconds"`
	IsActive        *bool   `json:"is_active"`
}

type patchJobRequest struct {
	Query           *string `json:"query"`
	Location        *string `json:"location"`
	RadiusKm        *int    `json:"radius_km"`
	MinPrice        *int    `json:"min_price"`
	MaxPrice        *int    `json:"max_price"`
	PageCount       *int    `json:"page_count"`
	IntervalSeconds *int    `json:"interval_seconds"`
	IsActive        *bool   `json:"is_active"`
}

func (s *Server) handleListJobs(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"jobs": s.jobs.List()})
}

func (s *Server) handleCreateJob(c *fiber.Ctx) error {
	var req createJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	if req.IntervalSeconds < 60 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "interval_seconds must be at least 60"})
	}
	if req.PageCount < 1 {
		req.PageCount = 1
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	job, err := s.jobs.Add(c.Context(), store.ScheduledJob{
		Name:            req.Name,
		Query:           req.Query,
		Location:        req.Location,
		RadiusKm:        req.RadiusKm,
		MinPrice:        req.MinPrice,
		MaxPrice:        req.MaxPrice,
		PageCount:       req.PageCount,
		IntervalSeconds: req.IntervalSeconds,
		IsActive:        active,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(job)
}

func (s *Server) handleGetJob(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return invalidJobID(c)
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(job)
}

func (s *Server) handlePatchJob(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return invalidJobID(c)
	}
	var req patchJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.IntervalSeconds != nil && *req.IntervalSeconds < 60 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "interval_seconds must be at least 60"})
	}
	if req.PageCount != nil && *req.PageCount < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "page_count must be at least 1"})
	}

	job, err := s.jobs.Update(c.Context(), id, store.JobPatch{
		Query:           req.Query,
		Location:        req.Location,
		RadiusKm:        req.RadiusKm,
		MinPrice:        req.MinPrice,
		MaxPrice:        req.MaxPrice,
		PageCount:       req.PageCount,
		IntervalSeconds: req.IntervalSeconds,
		IsActive:        req.IsActive,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(job)
}

func (s *Server) handleStartJob(c *fiber.Ctx) error {
	return s.setActive(c, true)
}

func (s *Server) handleStopJob(c *fiber.Ctx) error {
	return s.setActive(c, false)
}

func (s *Server) setActive(c *fiber.Ctx, active bool) error {
	id, ok := jobID(c)
	if !ok {
		return invalidJobID(c)
	}
	job, err := s.jobs.SetActive(c.Context(), id, active)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(job)
}

func (s *Server) handleRunJob(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return invalidJobID(c)
	}
	job, err := s.jobs.RunOnce(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(job)
}

func (s *Server) handleDeleteJob(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return invalidJobID(c)
	}
	if err := s.jobs.Delete(c.Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func jobID(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func invalidJobID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid job id"})
}
