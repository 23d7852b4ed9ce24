package http

import (
	"github.com/gofiber/fiber/v2"

	"adwatch/internal/store"
)

const maxPageSize = 200

func (s *Server) handleListListings(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > maxPageSize {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	filter := store.ListingFilter{
		QueryName:  c.Query("query_name"),
		Status:     c.Query("status"),
		SearchTerm: c.Query("search"),
	}

	listings, total, err := s.listings.List(c.Context(), limit, offset, filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"listings": listings,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetListing(c *fiber.Ctx) error {
	listing, err := s.listings.GetByExternalID(c.Context(), c.Params("external_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(listing)
}
