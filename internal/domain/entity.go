package domain

import "time"

// Entity is a tradable, stock-like instrument. Its current price is owned
// by the pricing collaborator and is not part of this record.
type Entity struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Crew      string    `json:"crew,omitempty"`
	Tradable  bool      `json:"tradable"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
