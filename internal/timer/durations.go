package timer

import "strings"

// DefaultCountdownSeconds applies to any service missing from the table.
const DefaultCountdownSeconds = 60

// defaultServiceSeconds holds the reference countdown windows.
var defaultServiceSeconds = map[string]int{
	"whatsapp":  90,
	"telegram":  90,
	"signal":    90,
	"viber":     90,
	"wechat":    90,
	"line":      90,
	"google":    120,
	"microsoft": 120,
	"amazon":    120,
}

// Durations maps lower-cased service names to countdown windows in seconds.
type Durations struct {
	Default  int
	Services map[string]int
}

// DefaultDurations returns a copy of the reference table.
func DefaultDurations() Durations {
	d := Durations{
		Default:  DefaultCountdownSeconds,
		Services: make(map[string]int, len(defaultServiceSeconds)),
	}
	for k, v := range defaultServiceSeconds {
		d.Services[k] = v
	}
	return d
}

// With returns a copy of d with overrides applied. Keys are lower-cased and
// non-positive values are ignored.
func (d Durations) With(defaultSeconds int, overrides map[string]int) Durations {
	out := Durations{
		Default:  d.Default,
		Services: make(map[string]int, len(d.Services)+len(overrides)),
	}
	for k, v := range d.Services {
		out.Services[k] = v
	}
	if defaultSeconds > 0 {
		out.Default = defaultSeconds
	}
	for k, v := range overrides {
		if v > 0 {
			out.Services[normalize(k)] = v
		}
	}
	return out
}

// Lookup returns the countdown window for service.
func (d Durations) Lookup(service string) int {
	if s, ok := d.Services[normalize(service)]; ok && s > 0 {
		return s
	}
	if d.Default > 0 {
		return d.Default
	}
	return DefaultCountdownSeconds
}

func normalize(service string) string {
	return strings.ToLower(strings.TrimSpace(service))
}
