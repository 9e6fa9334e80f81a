package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Source labels where a WeatherResult came from. Set at read time, never persisted.
const (
	SourceCache = "cache"
	SourceLive  = "live"
)

// DefaultConditions is used when the provider omits a condition label.
const DefaultConditions = "Unknown"

// ErrCorruptEntry is returned by DecodeCachedWeather when a cached blob cannot be used.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// WeatherResult is the normalized current-weather payload returned to callers.
// Optional fields are nil when the provider did not report them and encode as null.
type WeatherResult struct {
	City         string   `json:"city"`
	Country      *string  `json:"country"`
	TemperatureC float64  `json:"temperature_c"`
	Conditions   string   `json:"conditions"`
	Humidity     *float64 `json:"humidity"`
	WindKph      *float64 `json:"wind_kph"`
	Source       string   `json:"source"`
}

// CachedWeather is the persisted shape of a WeatherResult. It has no source field.
type CachedWeather struct {
	City         string   `json:"city"`
	Country      *string  `json:"country"`
	TemperatureC float64  `json:"temperature_c"`
	Conditions   string   `json:"conditions"`
	Humidity     *float64 `json:"humidity"`
	WindKph      *float64 `json:"wind_kph"`
}

// ToCached strips the source label for storage.
func (w WeatherResult) ToCached() CachedWeather {
	return CachedWeather{
		City:         w.City,
		Country:      w.Country,
		TemperatureC: w.TemperatureC,
		Conditions:   w.Conditions,
		Humidity:     w.Humidity,
		WindKph:      w.WindKph,
	}
}

// WithSource builds a WeatherResult from a cached blob, labelled with source.
func (c CachedWeather) WithSource(source string) WeatherResult {
	return WeatherResult{
		City:         c.City,
		Country:      c.Country,
		TemperatureC: c.TemperatureC,
		Conditions:   c.Conditions,
		Humidity:     c.Humidity,
		WindKph:      c.WindKph,
		Source:       source,
	}
}

// EncodeCachedWeather serializes the cache wire format.
func EncodeCachedWeather(c CachedWeather) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cache entry: %w", err)
	}
	return string(raw), nil
}

// cachedWeatherWire mirrors CachedWeather with pointers so missing required fields are detectable.
type cachedWeatherWire struct {
	City         *string  `json:"city"`
	Country      *string  `json:"country"`
	TemperatureC *float64 `json:"temperature_c"`
	Conditions   *string  `json:"conditions"`
	Humidity     *float64 `json:"humidity"`
	WindKph      *float64 `json:"wind_kph"`
}

// DecodeCachedWeather parses a cached blob. city, temperature_c and conditions must be present
// and non-null; anything else wraps ErrCorruptEntry.
func DecodeCachedWeather(value string) (CachedWeather, error) {
	var wire cachedWeatherWire
	if err := json.Unmarshal([]byte(value), &wire); err != nil {
		return CachedWeather{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	switch {
	case wire.City == nil:
		return CachedWeather{}, fmt.Errorf("%w: missing city", ErrCorruptEntry)
	case wire.TemperatureC == nil:
		return CachedWeather{}, fmt.Errorf("%w: missing temperature_c", ErrCorruptEntry)
	case wire.Conditions == nil:
		return CachedWeather{}, fmt.Errorf("%w: missing conditions", ErrCorruptEntry)
	}
	return CachedWeather{
		City:         *wire.City,
		Country:      wire.Country,
		TemperatureC: *wire.TemperatureC,
		Conditions:   *wire.Conditions,
		Humidity:     wire.Humidity,
		WindKph:      wire.WindKph,
	}, nil
}
