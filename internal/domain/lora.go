package domain

import "time"

// Lora is a user-submitted style extension usable with compatible models.
// Plain ownership-scoped CRUD entity; only the creator may mutate it.
type Lora struct {
	ID               string
	UserID           string
	URL              string
	TriggerWord      string
	Prompt           string
	Title            string
	Description      string
	CompatibleModels []string
	AssetURLs        []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LoraFilter narrows lora listings.
type LoraFilter struct {
	UserID string
	Model  string
	Limit  int
	Offset int
}
