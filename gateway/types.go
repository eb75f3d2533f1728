package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the subset of the provider payload the reconciler reads.
// Amount is in minor units of Currency.
type Transaction struct {
	UID        string      `json:"uid"`
	Type       string      `json:"type"`
	Status     string      `json:"status"`
	Amount     json.Number `json:"amount"`
	Currency   string      `json:"currency"`
	TrackingID string      `json:"tracking_id"`
	PaidAt     *time.Time  `json:"paid_at"`
	Endpoint   string      `json:"-"`
}

// MajorAmount converts the unsigned minor-unit amount into major units.
func (t Transaction) MajorAmount() (decimal.Decimal, error) {
	minor, err := decimal.NewFromString(t.Amount.String())
	if err != nil {
		return decimal.Zero, err
	}
	return MinorToMajor(minor, t.Currency), nil
}

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "ISK": true,
	"JPY": true, "KMF": true, "KRW": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

var threeDecimalCurrencies = map[string]bool{
	"BHD": true, "IQD": true, "JOD": true, "KWD": true, "LYD": true, "OMR": true, "TND": true,
}

// CurrencyExponent is the number of minor-unit digits for an ISO 4217 code.
func CurrencyExponent(currency string) int32 {
	code := strings.ToUpper(strings.TrimSpace(currency))
	switch {
	case zeroDecimalCurrencies[code]:
		return 0
	case threeDecimalCurrencies[code]:
		return 3
	default:
		return 2
	}
}

func MinorToMajor(minor decimal.Decimal, currency string) decimal.Decimal {
	return minor.Shift(-CurrencyExponent(currency))
}
