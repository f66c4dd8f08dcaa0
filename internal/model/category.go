package model

import "time"

// Category is the unit of work grouping listings to be republished.
// Categories are immutable for the duration of a run.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
