package models

// NationalAverage is the region label used when no prefecture is requested.
const NationalAverage = "全国平均"

// PriceQuote is a fuel price snapshot in yen per litre. JSON names match the
// public API consumed by the FAIR DRIVE frontend.
type PriceQuote struct {
	Regular    float64 `json:"regular"`
	HighOctane float64 `json:"high_octane"`
	Diesel     float64 `json:"diesel"`
	Kerosene   float64 `json:"kerosene"`
	Region     string  `json:"prefecture"`
	ObservedAt string  `json:"update_date"`
	Cached     bool    `json:"cached"`
}
