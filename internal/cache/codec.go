package cache

import (
	"encoding/json"
	"fmt"

	"github.com/kjstillabower/fuel-price-service/internal/models"
)

// storedQuote is the wire form kept in Redis and memcached. It omits the cached
// flag, which only describes how a response was served.
type storedQuote struct {
	Regular    float64 `json:"regular"`
	HighOctane float64 `json:"high_octane"`
	Diesel     float64 `json:"diesel"`
	Kerosene   float64 `json:"kerosene"`
	Region     string  `json:"prefecture"`
	ObservedAt string  `json:"update_date"`
}

func encodeQuote(q models.PriceQuote) ([]byte, error) {
	raw, err := json.Marshal(storedQuote{
		Regular:    q.Regular,
		HighOctane: q.HighOctane,
		Diesel:     q.Diesel,
		Kerosene:   q.Kerosene,
		Region:     q.Region,
		ObservedAt: q.ObservedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return raw, nil
}

func decodeQuote(raw []byte) (models.PriceQuote, error) {
	var s storedQuote
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.PriceQuote{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return models.PriceQuote{
		Regular:    s.Regular,
		HighOctane: s.HighOctane,
		Diesel:     s.Diesel,
		Kerosene:   s.Kerosene,
		Region:     s.Region,
		ObservedAt: s.ObservedAt,
	}, nil
}
