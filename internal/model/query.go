package model

import "time"

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByDueDate   SortField = "dueDate"
	SortByPriority  SortField = "priority"
	SortByStatus    SortField = "status"
)

// Column maps the public sort key onto the tasks table. ok is false for
// unknown keys.
func (f SortField) Column() (string, bool) {
	switch f {
	case SortByCreatedAt:
		return "created_at", true
	case SortByDueDate:
		return "due_date", true
	case SortByPriority:
		return "priority", true
	case SortByStatus:
		return "status", true
	}
	return "", false
}

type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

func (o SortOrder) Valid() bool {
	return o == SortAsc || o == SortDesc
}

// ListQuery holds the filters, paging and ordering of a list call.
// Nil pointers and empty strings mean the filter is not applied.
type ListQuery struct {
	Status      *Status
	Priority    *Priority
	Search      string
	DueDateFrom *time.Time
	DueDateTo   *time.Time
	Page        int
	Limit       int
	SortBy      SortField
	SortOrder   SortOrder
}

// WithDefaults fills zero paging and ordering fields.
func (q ListQuery) WithDefaults() ListQuery {
	if q.Page == 0 {
		q.Page = DefaultPage
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.SortBy == "" {
		q.SortBy = SortByCreatedAt
	}
	if q.SortOrder == "" {
		q.SortOrder = SortDesc
	}
	return q
}

func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

type Page[T any] struct {
	Data       []T `json:"data"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// TotalPages never reports fewer than one page.
func TotalPages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 1
	}
	return (total + limit - 1) / limit
}
