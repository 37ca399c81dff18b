package domain

import "time"

// SessionFilter narrows cache-store session listings. Zero values match everything.
type SessionFilter struct {
	CPF         string
	Partner     string
	Active      *bool
	Channel     Channel
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// Matches reports whether s satisfies every set field of f.
// A session present in the cache is active; Active=false therefore matches nothing.
func (f SessionFilter) Matches(s *Session) bool {
	if f.CPF != "" && s.UserInfo.CPF != f.CPF {
		return false
	}
	if f.Partner != "" && !s.PartnerMatches(f.Partner) {
		return false
	}
	if f.Active != nil && !*f.Active {
		return false
	}
	if f.Channel != "" && s.Channel != f.Channel {
		return false
	}
	if f.CreatedFrom != nil && s.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && s.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

// ControlFilter narrows control-ledger listings.
type ControlFilter struct {
	CPF             string
	Partner         string
	Active          *bool
	FirstAccessFrom *time.Time
	FirstAccessTo   *time.Time
	LastAccessFrom  *time.Time
	LastAccessTo    *time.Time
}

// PageRequest is a zero-based page index and size.
type PageRequest struct {
	Page int
	Size int
}

// Normalize clamps the request to page >= 0 and 1 <= size <= 500, defaulting size to 20.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Size > 500 {
		p.Size = 500
	}
	return p
}

// Offset returns the row offset for the page.
func (p PageRequest) Offset() int { return p.Page * p.Size }

// Page is one page of results.
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	CurrentPage   int   `json:"currentPage"`
	PageSize      int   `json:"pageSize"`
	HasNext       bool  `json:"hasNext"`
	HasPrevious   bool  `json:"hasPrevious"`
}

// NewPage builds a Page from content and the total count across all pages.
func NewPage[T any](content []T, total int64, req PageRequest) Page[T] {
	req = req.Normalize()
	pages := int((total + int64(req.Size) - 1) / int64(req.Size))
	if content == nil {
		content = []T{}
	}
	return Page[T]{
		Content:       content,
		TotalElements: total,
		TotalPages:    pages,
		CurrentPage:   req.Page,
		PageSize:      req.Size,
		HasNext:       req.Page+1 < pages,
		HasPrevious:   req.Page > 0,
	}
}
