package api

import (
	"fmt"
	"strconv"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// PaginationParams is the parsed offset/limit query pair shared by every
// listing endpoint (spec §4.2/§6) — a deliberately simpler replacement
// for the teacher's before/after cursor scheme, since sessions are
// listed by an owner-scoped index rather than a live-growing message
// feed that needs cursor stability under concurrent appends.
type PaginationParams struct {
	Offset int
	Limit  int
}

// ParsePaginationParams reads offset/limit from raw query values,
// defaulting and clamping exactly like the teacher's cursor pagination
// clamped its limit.
func ParsePaginationParams(rawOffset, rawLimit string) (PaginationParams, error) {
	params := PaginationParams{Limit: DefaultLimit}

	if rawOffset != "" {
		n, err := strconv.Atoi(rawOffset)
		if err != nil || n < 0 {
			return params, fmt.Errorf("invalid offset %q", rawOffset)
		}
		params.Offset = n
	}

	if rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n <= 0 {
			return params, fmt.Errorf("invalid limit %q", rawLimit)
		}
		params.Limit = n
	}

	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	return params, nil
}

// PaginationMetadata reports the page actually returned against the
// full collection size.
type PaginationMetadata struct {
	Offset  int  `json:"offset"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
}

func NewPaginationMetadata(params PaginationParams, returned, total int) PaginationMetadata {
	return PaginationMetadata{
		Offset:  params.Offset,
		Limit:   params.Limit,
		Total:   total,
		HasMore: params.Offset+returned < total,
	}
}
