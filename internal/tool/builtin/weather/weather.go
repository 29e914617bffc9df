// Package weather provides a built-in weather-report tool. The current
// implementation is an offline stub: conditions are derived deterministically
// from the location name, so the same place always reports the same weather
// within a session. Swapping in a real weather API only changes the handler.
package weather

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/MrWong99/scribax/internal/tool"
)

// Report is the outcome of a get_weather call.
type Report struct {
	// Location echoes the requested place name.
	Location string `json:"location"`

	// Condition is a short textual sky state.
	Condition string `json:"condition"`

	// TemperatureC is the temperature in degrees Celsius.
	TemperatureC int `json:"temperature_c"`

	// WindKph is the wind speed in kilometres per hour.
	WindKph int `json:"wind_kph"`

	// Humidity is the relative humidity percentage.
	Humidity int `json:"humidity"`
}

// conditions are the sky states the stub can report.
var conditions = []string{
	"clear skies",
	"scattered clouds",
	"overcast",
	"light rain",
	"steady rain",
	"rolling fog",
	"gusty winds",
	"light snow",
}

// getWeatherHandler implements the "get_weather" tool.
func getWeatherHandler(_ context.Context, args map[string]any) (any, error) {
	location, _ := tool.StringArg(args, "location")
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("weather: location must not be empty")
	}

	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(location)))
	seed := h.Sum32()

	return Report{
		Location:     location,
		Condition:    conditions[seed%uint32(len(conditions))],
		TemperatureC: int(seed%45) - 10,      // -10..34
		WindKph:      int((seed >> 8) % 50),  // 0..49
		Humidity:     int((seed>>16)%70) + 30, // 30..99
	}, nil
}

// Tools returns the weather tool ready for registration.
func Tools() []tool.Tool {
	return []tool.Tool{
		tool.Func{
			Spec: tool.Schema{
				Name:        "get_weather",
				Description: "Report current weather conditions for a location. Conditions are currently synthesized offline and stay stable for a given location.",
				Params: []tool.Param{
					{
						Name:        "location",
						Type:        "string",
						Description: "Place name to report weather for.",
						Required:    true,
					},
				},
				Returns:    "object with location, condition, temperature_c, wind_kph, and humidity",
				Idempotent: true,
				CacheTTL:   10 * time.Minute,
			},
			Fn: getWeatherHandler,
		},
	}
}
