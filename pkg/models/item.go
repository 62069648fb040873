package models

// Item is one addressable entry of the ordered collection.
type Item struct {
	ID       int64   `json:"id"`
	Value    int64   `json:"value"`
	Selected bool    `json:"selected"`
	Order    float64 `json:"order"`
}

// ItemPage is one page of a paginated, optionally filtered listing.
type ItemPage struct {
	Items      []Item `json:"items"`
	Total      int64  `json:"total"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	TotalPages int64  `json:"totalPages"`
}

// TotalPages returns ceil(total/limit), or 0 when limit is not positive.
func TotalPages(total int64, limit int) int64 {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + int64(limit) - 1) / int64(limit)
}

// ReorderRequest is the body accepted by the reorder endpoint.
type ReorderRequest struct {
	SourceIndex      *int   `json:"sourceIndex"`
	DestinationIndex *int   `json:"destinationIndex"`
	Items            []Item `json:"items"`
}
