package pagination

import "math"

// Meta describes the page of a list response.
type Meta struct {
	Total       int64 `json:"total"`
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	TotalPages  int   `json:"totalPages"`
	HasNextPage bool  `json:"hasNextPage"`
	HasPrevPage bool  `json:"hasPrevPage"`
}

// NewMeta builds pagination metadata for total matching rows when the client
// asked for the given page and limit.
func NewMeta(total int64, page, limit int) Meta {
	if page < 1 {
		page = 1
	}
	totalPages := 0
	if limit > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(limit)))
	}
	return Meta{
		Total:       total,
		Page:        page,
		Limit:       limit,
		TotalPages:  totalPages,
		HasNextPage: page < totalPages,
		HasPrevPage: page > 1,
	}
}

// Envelope is the response body shared by every JSON endpoint.
type Envelope struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data,omitempty"`
	Pagination *Meta       `json:"pagination,omitempty"`
}

// Success wraps data in a successful envelope.
func Success(data interface{}, message string) Envelope {
	if message == "" {
		message = "Success"
	}
	return Envelope{Success: true, Message: message, Data: data}
}

// Paginated wraps a page of records together with its metadata.
func Paginated(data interface{}, meta Meta, message string) Envelope {
	env := Success(data, message)
	env.Pagination = &meta
	return env
}

// Failure builds an error envelope.
func Failure(message string) Envelope {
	if message == "" {
		message = "Bad Request"
	}
	return Envelope{Success: false, Message: message}
}

// NotFound builds the envelope returned when resource does not exist.
func NotFound(resource string) Envelope {
	if resource == "" {
		resource = "Resource"
	}
	return Failure(resource + " not found")
}
