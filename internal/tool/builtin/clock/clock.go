// Package clock provides a built-in tool reporting the current wall-clock
// time, optionally in a caller-chosen timezone and format.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/scribax/internal/tool"
)

// Result is the outcome of a current_time call.
type Result struct {
	// Time is the formatted timestamp.
	Time string `json:"time"`

	// Timezone is the IANA zone name the timestamp was rendered in.
	Timezone string `json:"timezone"`

	// Unix is the Unix timestamp in seconds, independent of zone.
	Unix int64 `json:"unix"`
}

// now is swapped out in tests.
var now = time.Now

// formats maps the accepted format names to layouts. "unix" is special-cased
// in the handler.
var formats = map[string]string{
	"rfc3339": time.RFC3339,
	"kitchen": time.Kitchen,
	"date":    "2006-01-02",
}

// currentTimeHandler implements the "current_time" tool.
func currentTimeHandler(_ context.Context, args map[string]any) (any, error) {
	format, _ := tool.StringArg(args, "format")
	zone, _ := tool.StringArg(args, "timezone")

	loc := time.UTC
	if zone != "" {
		var err error
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("clock: unknown timezone %q", zone)
		}
	}
	t := now().In(loc)

	var rendered string
	switch format {
	case "unix":
		rendered = fmt.Sprintf("%d", t.Unix())
	default:
		layout, ok := formats[format]
		if !ok {
			return nil, fmt.Errorf("clock: unknown format %q", format)
		}
		rendered = t.Format(layout)
	}

	return Result{Time: rendered, Timezone: loc.String(), Unix: t.Unix()}, nil
}

// Tools returns the clock tool ready for registration.
func Tools() []tool.Tool {
	return []tool.Tool{
		tool.Func{
			Spec: tool.Schema{
				Name:        "current_time",
				Description: "Report the current date and time, optionally in a specific timezone and format.",
				Params: []tool.Param{
					{
						Name:        "format",
						Type:        "string",
						Description: "Output format for the timestamp.",
						Enum:        []any{"rfc3339", "unix", "kitchen", "date"},
						Default:     "rfc3339",
					},
					{
						Name:        "timezone",
						Type:        "string",
						Description: "IANA timezone name such as Europe/Berlin. Defaults to UTC.",
					},
				},
				Returns: "object with time, timezone, and unix",
			},
			Fn: currentTimeHandler,
		},
	}
}
