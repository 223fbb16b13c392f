package monitor

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Check intervals are clamped to a sane operational window: fast enough
// to be useful, slow enough not to hammer the target.
const (
	MinInterval = 5 * time.Second
	MaxInterval = 5 * time.Minute
)

// urlPattern accepts http(s) URLs with a dotted host, optional port,
// path, query and fragment. Deliberately strict: bare hostnames and
// exotic schemes are configuration mistakes here, not use cases.
var urlPattern = regexp.MustCompile(
	`^(https?://)` +
		`([a-zA-Z0-9][-a-zA-Z0-9]*(\.[a-zA-Z0-9][-a-zA-Z0-9]*)+)` +
		`(:\d+)?` +
		`(/[-a-zA-Z0-9_%/.~]*)?` +
		`(\?[-a-zA-Z0-9_%&=]*)?` +
		`(#[-a-zA-Z0-9_]*)?$`,
)

func ValidateURL(url string) bool {
	return urlPattern.MatchString(url)
}

func ValidateInterval(d time.Duration) bool {
	return d >= MinInterval && d <= MaxInterval
}

func ValidatePattern(pattern string) bool {
	if pattern == "" {
		return true
	}
	_, err := regexp.Compile(pattern)
	return err == nil
}

// Validate reports everything wrong at once, joined, so an operator
// fixes a config in one round trip.
func (s CheckSpec) Validate() error {
	var errs []error
	if s.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if !ValidateURL(s.URL) {
		errs = append(errs, fmt.Errorf("invalid url %q", s.URL))
	}
	if s.Interval == 0 {
		errs = append(errs, errors.New("check interval is required"))
	} else if !ValidateInterval(s.Interval) {
		errs = append(errs, fmt.Errorf("check interval must be between %s and %s, got %s", MinInterval, MaxInterval, s.Interval))
	}
	if !ValidatePattern(s.Pattern) {
		errs = append(errs, fmt.Errorf("invalid regex pattern %q", s.Pattern))
	}
	return errors.Join(errs...)
}
