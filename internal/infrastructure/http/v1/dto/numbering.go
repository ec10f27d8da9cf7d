package dto

import (
	"docnum/internal/core/numerator"
)

// --- Requests ---

// KeyRequest addresses one (location, operation type) pair.
type KeyRequest struct {
	Location      int64  `json:"location" binding:"min=0"`
	OperationType string `json:"operationType" binding:"required"`
}

// OperationTypeQuery selects one operation type.
type OperationTypeQuery struct {
	OperationType string `form:"operationType" binding:"required"`
}

// UsageQuery optionally narrows usage to one pair.
type UsageQuery struct {
	Location      *int64 `form:"location"`
	OperationType string `form:"operationType"`
}

// InitialRangesRequest creates the first ranges of the given locations.
// Empty OperationTypes means every known type; zero sizes fall back to configuration.
type InitialRangesRequest struct {
	Locations       []int64  `json:"locations" binding:"required,min=1"`
	OperationTypes  []string `json:"operationTypes"`
	MinimalSize     int64    `json:"minimalSize" binding:"min=0"`
	RecommendedSize int64    `json:"recommendedSize" binding:"min=0"`
}

// RangeDTO is one number block.
type RangeDTO struct {
	OperationType string `json:"operationType" binding:"required"`
	Location      int64  `json:"location" binding:"min=0"`
	StartNumber   int64  `json:"startNumber" binding:"min=0"`
	Size          int64  `json:"size" binding:"min=1"`
	End           int64  `json:"end"`
}

// UpdateRangesRequest replaces ranges of several pairs at once.
type UpdateRangesRequest struct {
	Ranges []RangeDTO `json:"ranges" binding:"required,min=1,dive"`
}

// --- Responses ---

// NumberResponse carries an issued document number.
type NumberResponse struct {
	Number        int64  `json:"number"`
	Formatted     string `json:"formatted"`
	Location      int64  `json:"location"`
	OperationType string `json:"operationType"`
}

// RangeSetResponse is the state of one operation type.
type RangeSetResponse struct {
	OperationType string     `json:"operationType"`
	Version       int64      `json:"version"`
	Ranges        []RangeDTO `json:"ranges"`
	Retired       []RangeDTO `json:"retired"`
}

// UsageResponse is the utilization of one active range.
type UsageResponse struct {
	Location       int64    `json:"location"`
	OperationType  string   `json:"operationType"`
	Range          RangeDTO `json:"range"`
	LastUsed       int64    `json:"lastUsed"`
	Used           int64    `json:"used"`
	Ratio          float64  `json:"ratio"`
	Remaining      int64    `json:"remaining"`
	Description    string   `json:"description"`
	NearExhaustion bool     `json:"nearExhaustion"`
}

// --- Mappers ---

// FromRange converts a domain range.
func FromRange(r numerator.NumberRange) RangeDTO {
	return RangeDTO{
		OperationType: string(r.OperationType),
		Location:      int64(r.Location),
		StartNumber:   r.StartNumber,
		Size:          r.Size,
		End:           r.End(),
	}
}

// FromRanges converts a list of domain ranges; nil becomes an empty list.
func FromRanges(rs []numerator.NumberRange) []RangeDTO {
	out := make([]RangeDTO, 0, len(rs))
	for _, r := range rs {
		out = append(out, FromRange(r))
	}
	return out
}

// FromRangeSet converts a domain range set.
func FromRangeSet(s numerator.RangeSet) RangeSetResponse {
	return RangeSetResponse{
		OperationType: string(s.OperationType),
		Version:       s.Version,
		Ranges:        FromRanges(s.Ranges),
		Retired:       FromRanges(s.Retired),
	}
}

// FromUsage converts a domain usage.
func FromUsage(u numerator.Usage) UsageResponse {
	return UsageResponse{
		Location:       int64(u.Key.Location),
		OperationType:  string(u.Key.OperationType),
		Range:          FromRange(u.Range),
		LastUsed:       u.LastUsed,
		Used:           u.Used,
		Ratio:          u.Ratio,
		Remaining:      u.Remaining,
		Description:    u.Description,
		NearExhaustion: u.NearExhaustion,
	}
}

// FromUsages converts a list of usages.
func FromUsages(us []numerator.Usage) []UsageResponse {
	out := make([]UsageResponse, 0, len(us))
	for _, u := range us {
		out = append(out, FromUsage(u))
	}
	return out
}

// ToRange converts a request range; the operation type must already be valid.
func (r RangeDTO) ToRange(op numerator.OperationType) numerator.NumberRange {
	return numerator.NumberRange{
		OperationType: op,
		Location:      numerator.LocationID(r.Location),
		StartNumber:   r.StartNumber,
		Size:          r.Size,
	}
}
