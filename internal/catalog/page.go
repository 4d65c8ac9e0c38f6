package catalog

const DefaultPerPage = 10

type Page struct {
	Items      []*Record `json:"items"`
	Page       int       `json:"page"`
	PerPage    int       `json:"per_page"`
	Total      int       `json:"total"`
	TotalPages int       `json:"total_pages"`
}

// Paginate slices recs into 1-based pages. Out of range pages are empty, not
// an error.
func Paginate(recs []*Record, page, perPage int) Page {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if page <= 0 {
		page = 1
	}
	total := len(recs)
	totalPages := total / perPage
	if total%perPage > 0 {
		totalPages++
	}
	// page-1 < totalPages keeps the offset below total, so nothing overflows
	start := total
	if page-1 < totalPages {
		start = (page - 1) * perPage
	}
	end := total
	if perPage < total-start {
		end = start + perPage
	}
	return Page{
		Items:      recs[start:end],
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
	}
}
