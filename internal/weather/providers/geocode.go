package providers

import (
	"errors"
	"strconv"

	"github.com/kelvins/geocoder"
)

var errGeocoderKey = errors.New("geocoding requires GEOCODER_API_KEY")

// ResolveCoordinates looks up latitude/longitude for a city through the
// Google geocoding API. It is used when no coordinates are configured.
func ResolveCoordinates(city, country, apiKey string) (lat, lon string, err error) {
	if apiKey == "" {
		return "", "", errGeocoderKey
	}
	geocoder.ApiKey = apiKey

	loc, err := geocoder.Geocoding(geocoder.Address{
		City:    city,
		Country: country,
	})
	if err != nil {
		return "", "", err
	}
	return strconv.FormatFloat(loc.Latitude, 'f', 4, 64),
		strconv.FormatFloat(loc.Longitude, 'f', 4, 64), nil
}
