package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Result contains the structured data extracted from a receipt or invoice
type Result struct {
	Date                Date                `json:"fecha"`
	Amount              decimal.NullDecimal `json:"monto"`
	Description         string              `json:"concepto"`
	Merchant            string              `json:"comercio"`
	SuggestedCategoryID CategoryID          `json:"categoria_sugerida"`
	CurrencyCode        string              `json:"moneda_codigo"`
	Confidence          float64             `json:"confianza"` // advisory only
	RawText             string              `json:"texto_completo"`
}

// Date is a calendar date that may be absent from the extraction
type Date struct {
	Time  time.Time
	Valid bool

	// unparsed holds a non-empty fecha that was not a date
	unparsed string
}

// NewDate returns a present date
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), Valid: true}
}

// String returns the ISO-8601 form, or "" when absent
func (d Date) String() string {
	if !d.Valid {
		return ""
	}
	return d.Time.Format(dateLayout)
}

// MarshalJSON implements json.Marshaler
func (d Date) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// Unparsed returns the received text of a date that could not be read
func (d Date) Unparsed() string {
	return d.unparsed
}

// UnmarshalJSON accepts "YYYY-MM-DD", a timestamp starting with one, null or "".
// Any other string leaves the date absent so it can be entered by hand.
func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("fecha: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = Date{}
		return nil
	}
	day := s
	if len(day) > len(dateLayout) {
		day = day[:len(dateLayout)]
	}
	t, err := time.Parse(dateLayout, day)
	if err != nil {
		*d = Date{unparsed: s}
		return nil
	}
	*d = Date{Time: t, Valid: true}
	return nil
}

// CategoryID is a suggested category that may be absent
type CategoryID struct {
	ID    int
	Valid bool
}

// NewCategoryID returns a present category id
func NewCategoryID(id int) CategoryID {
	return CategoryID{ID: id, Valid: true}
}

// MarshalJSON implements json.Marshaler
func (c CategoryID) MarshalJSON() ([]byte, error) {
	if !c.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(c.ID)
}

// UnmarshalJSON implements json.Unmarshaler
func (c *CategoryID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*c = CategoryID{}
		return nil
	}
	var id int
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("categoria_sugerida: %w", err)
	}
	*c = CategoryID{ID: id, Valid: true}
	return nil
}
