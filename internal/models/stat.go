package models

import "time"

// DeliveryStatDay holds delivery counts for a single day.
type DeliveryStatDay struct {
	Day       time.Time `json:"day" db:"day"`
	Processed int       `json:"processed" db:"processed"`
	Errored   int       `json:"errored" db:"errored"`
	Malformed int       `json:"malformed" db:"malformed"`
	Test      int       `json:"test" db:"test"`
}

// DeliveryStat is the aggregated stats over a period, plus per-day details.
type DeliveryStat struct {
	Total       int               `json:"total" db:"total"`
	Processed   int               `json:"processed" db:"processed"`
	Errored     int               `json:"errored" db:"errored"`
	Malformed   int               `json:"malformed" db:"malformed"`
	Unresolved  int               `json:"unresolved" db:"unresolved"`
	SuccessRate float64           `json:"success_rate" db:"success_rate"` // processed/total
	PerDay      []DeliveryStatDay `json:"per_day" db:"per_day"`
}
