package generic

// DefaultPrecision is the number of decimal places used for currencies
// without an entry in the minor-unit table.
const DefaultPrecision int32 = 2

// MaxPrecision bounds caller-supplied precisions.
const MaxPrecision int32 = 8

// ISO 4217 minor units that differ from two decimals.
var minorUnits = map[Currency]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
	"ISK": 0,
	"UGX": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"JOD": 3,
	"TND": 3,
}

// PrecisionFor returns the minor-unit digits for currency, or fallback when
// the currency is not in the table.
func PrecisionFor(currency Currency, fallback int32) int32 {
	if p, ok := minorUnits[currency]; ok {
		return p
	}
	return fallback
}

// ValidPrecision reports whether p can be used for rounding money.
func ValidPrecision(p int32) bool {
	return p >= 0 && p <= MaxPrecision
}
