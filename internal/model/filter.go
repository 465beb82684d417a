package model

import "time"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListFilter selects appointments for paginated listing. The zero Status
// means "active" (everything except cancelled); StatusFilterAll means every
// status. When Search is set it matches name OR email as a case-insensitive
// substring and the Email/Name fields are ignored.
type ListFilter struct {
	Page          int
	PageSize      int
	StartDate     *time.Time
	EndDate       *time.Time
	Status        string
	AppointmentID string
	Email         string
	Name          string
	Search        string
}

func (f ListFilter) Normalized() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
