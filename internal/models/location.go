package models

// Location is a city with an optional country code, as accepted by a weather lookup.
type Location struct {
	City    string `yaml:"city"`
	Country string `yaml:"country"`
}

func (l Location) String() string {
	if l.Country == "" {
		return l.City
	}
	return l.City + "," + l.Country
}
