package form

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/gastos-import/internal/extraction"
	"github.com/zombor/gastos-import/internal/handoff"
)

// SourceImported marks an expense that was pre-filled from an imported document
const SourceImported = "importado"

const localDateLayout = "02/01/2006"

// Draft is an expense form pre-filled from an extraction result. Every field
// is the text shown to the user; absent values are left blank.
type Draft struct {
	Fecha       string  `json:"fecha"`
	Monto       string  `json:"monto"`
	Descripcion string  `json:"descripcion"`
	Comercio    string  `json:"comercio"`
	IDCategoria string  `json:"id_categoria"`
	Moneda      string  `json:"moneda"`
	Fuente      string  `json:"fuente"`
	Confianza   float64 `json:"confianza"`
}

// Prefill builds a Draft from r. Nothing is defaulted or altered based on
// the extraction confidence.
func Prefill(r *extraction.Result) Draft {
	d := Draft{Fuente: SourceImported}
	if r == nil {
		return d
	}
	if r.Date.Valid {
		d.Fecha = FormatDateLocal(r.Date.Time)
	}
	if r.Amount.Valid {
		d.Monto = FormatAmount(r.Amount.Decimal)
	}
	if r.SuggestedCategoryID.Valid {
		d.IDCategoria = strconv.Itoa(r.SuggestedCategoryID.ID)
	}
	d.Descripcion = strings.TrimSpace(r.Description)
	d.Comercio = strings.TrimSpace(r.Merchant)
	d.Moneda = r.CurrencyCode
	d.Confianza = r.Confidence
	return d
}

// Consume takes the pending result out of slot and prefills a Draft from it.
// It returns nil when the slot was empty.
func Consume(slot handoff.Slot) (*Draft, error) {
	r, err := slot.TakeAndClear()
	if err != nil {
		return nil, fmt.Errorf("taking hand-off result: %w", err)
	}
	if r == nil {
		return nil, nil
	}
	d := Prefill(r)
	return &d, nil
}

// FormatDateLocal formats t as dd/mm/yyyy
func FormatDateLocal(t time.Time) string {
	return t.Format(localDateLayout)
}

// ParseDateLocal parses a dd/mm/yyyy date
func ParseDateLocal(s string) (time.Time, error) {
	t, err := time.Parse(localDateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// FormatAmount formats d with two decimals, "." as thousands separator and
// "," as decimal separator (1234.5 -> "1.234,50")
func FormatAmount(d decimal.Decimal) string {
	fixed := d.Abs().StringFixed(2)
	intPart, fracPart, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if d.IsNegative() && !d.Round(2).IsZero() {
		b.WriteByte('-')
	}
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}
	b.WriteByte(',')
	b.WriteString(fracPart)
	return b.String()
}

// ParseLocalAmount parses an amount written as FormatAmount writes it. The
// thousands separators are optional.
func ParseLocalAmount(s string) (decimal.Decimal, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), ".", "")
	normalized = strings.Replace(normalized, ",", ".", 1)
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}
