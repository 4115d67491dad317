package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Import history statuses
const (
	StatusProcessed = "procesado"
	StatusError     = "error"
)

// ImportRecord is one resolved submission in the import history
type ImportRecord struct {
	ID        string              `json:"id"`
	FileName  string              `json:"file_name"`
	Kind      string              `json:"kind"` // "PDF" or "Imagen"
	Status    string              `json:"status"`
	Amount    decimal.NullDecimal `json:"amount"`
	Merchant  string              `json:"merchant,omitempty"`
	Message   string              `json:"message,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}
