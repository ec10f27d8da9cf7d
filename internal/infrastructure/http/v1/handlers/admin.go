package handlers

import (
	"github.com/gin-gonic/gin"

	"docnum/internal/core/numerator"
	"docnum/internal/infrastructure/http/v1/dto"
)

// AdminHandler serves range administration. Routes require an admin token.
type AdminHandler struct {
	*BaseHandler
	service NumberingService
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(base *BaseHandler, service NumberingService) *AdminHandler {
	return &AdminHandler{BaseHandler: base, service: service}
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	ranges := rg.Group("/ranges")
	{
		ranges.POST("/initial", h.CreateInitial)
		ranges.PUT("", h.Update)
		ranges.DELETE("", h.Delete)
	}
	rg.POST("/renumber", h.Renumber)
	rg.POST("/renumber/near-exhausted", h.RenumberNearExhausted)
}

// CreateInitial allocates first blocks for locations that have none.
// POST /api/v1/admin/ranges/initial
func (h *AdminHandler) CreateInitial(c *gin.Context) {
	var req dto.InitialRangesRequest
	if !h.BindJSON(c, &req) {
		return
	}

	ops := numerator.AllOperationTypes()
	if len(req.OperationTypes) > 0 {
		ops = ops[:0]
		for _, raw := range req.OperationTypes {
			op, ok := h.ParseOperationType(c, raw)
			if !ok {
				return
			}
			ops = append(ops, op)
		}
	}
	locations := make([]numerator.LocationID, 0, len(req.Locations))
	for _, loc := range req.Locations {
		locations = append(locations, numerator.LocationID(loc))
	}

	cfg := h.service.Config()
	minimal, recommended := req.MinimalSize, req.RecommendedSize
	if minimal == 0 {
		minimal = cfg.MinimalSize
	}
	if recommended == 0 {
		recommended = cfg.RecommendedSize
	}

	created, err := h.service.CreateInitialRanges(c.Request.Context(), locations, ops, minimal, recommended)
	if err != nil {
		h.Error(c, err)
		return
	}

	out := make([]numerator.NumberRange, 0, len(created))
	for _, r := range created {
		out = append(out, r)
	}
	numerator.SortRanges(out)
	h.Created(c, dto.NewListResponse(dto.FromRanges(out)))
}

// Update replaces ranges of the given pairs atomically.
// PUT /api/v1/admin/ranges
func (h *AdminHandler) Update(c *gin.Context) {
	var req dto.UpdateRangesRequest
	if !h.BindJSON(c, &req) {
		return
	}

	ranges := make([]numerator.NumberRange, 0, len(req.Ranges))
	for _, r := range req.Ranges {
		op, ok := h.ParseOperationType(c, r.OperationType)
		if !ok {
			return
		}
		ranges = append(ranges, r.ToRange(op))
	}

	if err := h.service.UpdateRanges(c.Request.Context(), ranges); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, "ranges updated")
}

// Delete removes every range and cursor.
// DELETE /api/v1/admin/ranges
func (h *AdminHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteRanges(c.Request.Context()); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, "all ranges deleted")
}

// Renumber moves a pair to a fresh block.
// POST /api/v1/admin/renumber
func (h *AdminHandler) Renumber(c *gin.Context) {
	var req dto.KeyRequest
	if !h.BindJSON(c, &req) {
		return
	}
	op, ok := h.ParseOperationType(c, req.OperationType)
	if !ok {
		return
	}

	r, err := h.service.Renumber(c.Request.Context(), numerator.LocationID(req.Location), op)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromRange(r))
}

// RenumberNearExhausted renumbers every flagged pair.
// POST /api/v1/admin/renumber/near-exhausted
func (h *AdminHandler) RenumberNearExhausted(c *gin.Context) {
	moved, err := h.service.RenumberNearExhausted(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromRanges(moved)))
}
