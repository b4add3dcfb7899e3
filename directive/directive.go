// Package directive extracts inline control tokens from raw message text.
// Parsing is pure: no network, no state.
package directive

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	temperaturePattern = regexp.MustCompile(`::temperature=([^:\s]+)::`)
	modelPattern       = regexp.MustCompile(`::model=(\w+(?:-\w+)*(?:\.\w+)*)::`)
	urlPattern         = regexp.MustCompile(`https?://\S+`)
	searchPattern      = regexp.MustCompile(`::search\s+(.+?)::`)
)

// Error is a malformed directive value in an otherwise recognized token.
type Error struct {
	Directive string
	Value     string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("directive %s: invalid value %q: %v", e.Directive, e.Value, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Set is the parse result for one message. Temperature is only meaningful
// when HasTemperature is set; empty Model/URL/SearchQuery mean absent.
type Set struct {
	Temperature    float64
	HasTemperature bool
	Model          string
	URL            string
	SearchQuery    string
	Cleaned        string
}

// Parse recognizes the directive tokens in text and returns their values plus
// the text with every directive occurrence stripped. When a directive appears
// more than once, the first occurrence wins and the rest are stripped without
// being honored. A URL suppresses the search directive entirely.
func Parse(text string) (Set, error) {
	set := Set{}
	cleaned := text

	if m := temperaturePattern.FindStringSubmatch(cleaned); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Set{}, &Error{Directive: "temperature", Value: m[1], Err: err}
		}
		set.Temperature = v
		set.HasTemperature = true
		cleaned = temperaturePattern.ReplaceAllString(cleaned, "")
	}

	if m := modelPattern.FindStringSubmatch(cleaned); m != nil {
		set.Model = m[1]
		cleaned = modelPattern.ReplaceAllString(cleaned, "")
	}

	if m := urlPattern.FindString(cleaned); m != "" {
		set.URL = m
	} else if m := searchPattern.FindStringSubmatch(cleaned); m != nil {
		set.SearchQuery = m[1]
		cleaned = searchPattern.ReplaceAllString(cleaned, "")
	}

	set.Cleaned = cleaned
	return set, nil
}
