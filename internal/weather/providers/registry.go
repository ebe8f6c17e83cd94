package providers

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/i474232898/weather-etl/internal/config"
	"github.com/i474232898/weather-etl/internal/weather"
)

// FromConfig builds the enabled providers in configured order. BrightSky
// coordinates are geocoded from city and country when none are configured.
func FromConfig(cfg *config.AppConfig, client *http.Client) ([]weather.Provider, error) {
	var provs []weather.Provider
	for _, name := range cfg.Providers {
		switch name {
		case BrightSkyName:
			lat, lon := cfg.Latitude, cfg.Longitude
			if lat == "" || lon == "" {
				var err error
				lat, lon, err = ResolveCoordinates(cfg.City, cfg.Country, cfg.GeocoderAPIKey)
				if err != nil {
					return nil, fmt.Errorf("brightsky coordinates for %s, %s: %w", cfg.City, cfg.Country, err)
				}
				zap.L().Info("geocoded brightsky location",
					zap.String("city", cfg.City), zap.String("lat", lat), zap.String("lon", lon))
			}
			provs = append(provs, NewBrightSkyProvider(client, cfg.BrightSkyBase, lat, lon))
		case HSWormsName:
			provs = append(provs, NewHSWormsProvider(client, cfg.HSWetterURL, cfg.HSStationID))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return provs, nil
}
