package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"docnum/internal/core/apperror"
	appctx "docnum/internal/core/context"
	"docnum/internal/core/numerator"
	"docnum/internal/infrastructure/http/v1/dto"
)

// NumberingService is the part of numbering.Service the API exposes.
type NumberingService interface {
	AllocateNumber(ctx context.Context, loc numerator.LocationID, op numerator.OperationType) (int64, error)
	Ranges(ctx context.Context, op numerator.OperationType) (numerator.RangeSet, error)
	ComputeUsage(ctx context.Context) ([]numerator.Usage, error)
	UsageOf(ctx context.Context, loc numerator.LocationID, op numerator.OperationType) (numerator.Usage, error)
	UsageStarts(ctx context.Context) (map[numerator.OperationType]int64, error)
	NearExhaustion(ctx context.Context) ([]numerator.Usage, error)

	CreateInitialRanges(ctx context.Context, locations []numerator.LocationID, operationTypes []numerator.OperationType, minimalSize, recommendedSize int64) (map[numerator.Key]numerator.NumberRange, error)
	UpdateRanges(ctx context.Context, ranges []numerator.NumberRange) error
	DeleteRanges(ctx context.Context) error
	Renumber(ctx context.Context, loc numerator.LocationID, op numerator.OperationType) (numerator.NumberRange, error)
	RenumberNearExhausted(ctx context.Context) ([]numerator.NumberRange, error)
	Config() numerator.Config
}

// NumberingHandler serves number issuance and usage queries.
type NumberingHandler struct {
	*BaseHandler
	service NumberingService
}

// NewNumberingHandler creates a new numbering handler.
func NewNumberingHandler(base *BaseHandler, service NumberingService) *NumberingHandler {
	return &NumberingHandler{BaseHandler: base, service: service}
}

// RegisterRoutes registers numbering routes.
func (h *NumberingHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/numbers", h.Issue)
	rg.GET("/ranges", h.Ranges)

	usage := rg.Group("/usage")
	{
		usage.GET("", h.Usage)
		usage.GET("/starts", h.UsageStarts)
		usage.GET("/near-exhaustion", h.NearExhaustion)
	}
}

// Issue hands out the next number of a pair.
// POST /api/v1/numbers
func (h *NumberingHandler) Issue(c *gin.Context) {
	var req dto.KeyRequest
	if !h.BindJSON(c, &req) {
		return
	}
	op, ok := h.ParseOperationType(c, req.OperationType)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if !appctx.CanIssueFor(ctx, req.Location) {
		h.Error(c, apperror.NewForbidden("token is bound to another location").
			WithDetail("location", req.Location))
		return
	}

	n, err := h.service.AllocateNumber(ctx, numerator.LocationID(req.Location), op)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.NumberResponse{
		Number:        n,
		Formatted:     numerator.FormatNumber(op, n, h.service.Config().NumberWidth),
		Location:      req.Location,
		OperationType: string(op),
	})
}

// Ranges returns the range set of one operation type, or of all types.
// GET /api/v1/ranges?operationType=
func (h *NumberingHandler) Ranges(c *gin.Context) {
	ops := numerator.AllOperationTypes()
	if raw := c.Query("operationType"); raw != "" {
		op, ok := h.ParseOperationType(c, raw)
		if !ok {
			return
		}
		ops = []numerator.OperationType{op}
	}

	out := make([]dto.RangeSetResponse, 0, len(ops))
	for _, op := range ops {
		set, err := h.service.Ranges(c.Request.Context(), op)
		if err != nil {
			h.Error(c, err)
			return
		}
		out = append(out, dto.FromRangeSet(set))
	}
	h.OK(c, dto.NewListResponse(out))
}

// Usage returns the usage of every active range, or of one pair.
// GET /api/v1/usage?location=&operationType=
func (h *NumberingHandler) Usage(c *gin.Context) {
	var q dto.UsageQuery
	if !h.BindQuery(c, &q) {
		return
	}
	ctx := c.Request.Context()

	if q.Location != nil || q.OperationType != "" {
		if q.Location == nil || q.OperationType == "" {
			h.Error(c, apperror.NewValidation("location and operationType must be given together"))
			return
		}
		op, ok := h.ParseOperationType(c, q.OperationType)
		if !ok {
			return
		}
		u, err := h.service.UsageOf(ctx, numerator.LocationID(*q.Location), op)
		if err != nil {
			h.Error(c, err)
			return
		}
		h.OK(c, dto.FromUsage(u))
		return
	}

	usages, err := h.service.ComputeUsage(ctx)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromUsages(usages)))
}

// UsageStarts returns the lowest active start number per operation type.
// GET /api/v1/usage/starts
func (h *NumberingHandler) UsageStarts(c *gin.Context) {
	starts, err := h.service.UsageStarts(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	out := make(map[string]int64, len(starts))
	for op, start := range starts {
		out[string(op)] = start
	}
	h.OK(c, out)
}

// NearExhaustion returns ranges flagged by the exhaustion policy.
// GET /api/v1/usage/near-exhaustion
func (h *NumberingHandler) NearExhaustion(c *gin.Context) {
	usages, err := h.service.NearExhaustion(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromUsages(usages)))
}
