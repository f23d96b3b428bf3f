package internal

import "time"

// Snapshot is one parsed state of a source feed. Optional fields are nil
// when the source document does not carry them.
type Snapshot struct {
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Description string     `json:"description"`
	PublishDate *time.Time `json:"publish_date,omitempty"`
	Entries     []Entry    `json:"entries"`
}

type Entry struct {
	Title       string     `json:"title"`
	Author      *string    `json:"author,omitempty"`
	PublishDate *time.Time `json:"publish_date,omitempty"`
	Link        string     `json:"link"`
	Content     *string    `json:"content,omitempty"`
}
