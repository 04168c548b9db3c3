package errrate

import (
	"fmt"
	"strings"

	"dyno-go/internal/constants"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Threshold trips when at least Coverage percent of the last Seconds
// one-second buckets each saw RPS or more failures.
type Threshold struct {
	RPS      int `json:"rps"`
	Seconds  int `json:"seconds"`
	Coverage int `json:"coverage"`
}

func (t Threshold) String() string {
	return fmt.Sprintf("rps=%d seconds=%d coverage=%d%%", t.RPS, t.Seconds, t.Coverage)
}

// Config describes the error rate monitor. Window, Frequency and Suppress are
// in seconds.
type Config struct {
	Window     int
	Frequency  int
	Suppress   int
	Thresholds []Threshold
}

// DefaultConfig has no thresholds and is therefore always healthy.
func DefaultConfig() Config {
	return Config{
		Window:    constants.DefaultErrorRateWindow,
		Frequency: constants.DefaultErrorRateFrequency,
		Suppress:  constants.DefaultErrorRateSuppress,
	}
}

// Enabled reports whether any threshold can trip.
func (c Config) Enabled() bool { return len(c.Thresholds) > 0 }

// ParseConfig decodes a blob such as
//
//	{"window":20,"frequency":1,"suppress":90,
//	 "thresholds":[{"rps":10,"seconds":10,"coverage":80}]}
//
// An empty blob yields DefaultConfig. Any malformed input yields
// DefaultConfig together with the error so the caller can report it.
func ParseConfig(blob string) (Config, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return DefaultConfig(), nil
	}
	if !gjson.Valid(blob) {
		return DefaultConfig(), fmt.Errorf("error rate config is not valid json")
	}
	root := gjson.Parse(blob)
	if !root.IsObject() {
		return DefaultConfig(), fmt.Errorf("error rate config must be a json object")
	}

	var cfg Config
	var err error
	if cfg.Window, err = positiveInt(root, "window"); err != nil {
		return DefaultConfig(), err
	}
	if cfg.Frequency, err = positiveInt(root, "frequency"); err != nil {
		return DefaultConfig(), err
	}
	if cfg.Suppress, err = positiveInt(root, "suppress"); err != nil {
		return DefaultConfig(), err
	}

	thresholds := root.Get("thresholds")
	if !thresholds.IsArray() {
		return DefaultConfig(), fmt.Errorf("error rate config: thresholds must be an array")
	}
	for i, item := range thresholds.Array() {
		var t Threshold
		if t.RPS, err = positiveInt(item, "rps"); err != nil {
			return DefaultConfig(), fmt.Errorf("threshold %d: %w", i, err)
		}
		if t.Seconds, err = positiveInt(item, "seconds"); err != nil {
			return DefaultConfig(), fmt.Errorf("threshold %d: %w", i, err)
		}
		if t.Coverage, err = positiveInt(item, "coverage"); err != nil {
			return DefaultConfig(), fmt.Errorf("threshold %d: %w", i, err)
		}
		if t.Coverage > 100 {
			return DefaultConfig(), fmt.Errorf("threshold %d: coverage %d exceeds 100", i, t.Coverage)
		}
		cfg.Thresholds = append(cfg.Thresholds, t)
	}
	return cfg, nil
}

func positiveInt(obj gjson.Result, field string) (int, error) {
	v := obj.Get(field)
	if !v.Exists() {
		return 0, fmt.Errorf("error rate config: missing %q", field)
	}
	if v.Type != gjson.Number || v.Num != float64(v.Int()) {
		return 0, fmt.Errorf("error rate config: %q must be an integer, got %s", field, v.Raw)
	}
	if v.Int() <= 0 {
		return 0, fmt.Errorf("error rate config: %q must be positive", field)
	}
	return int(v.Int()), nil
}

// JSON renders the config in the format accepted by ParseConfig.
func (c Config) JSON() (string, error) {
	out := "{}"
	var err error
	for _, kv := range []struct {
		path string
		v    int
	}{{"window", c.Window}, {"frequency", c.Frequency}, {"suppress", c.Suppress}} {
		if out, err = sjson.Set(out, kv.path, kv.v); err != nil {
			return "", err
		}
	}
	if out, err = sjson.SetRaw(out, "thresholds", "[]"); err != nil {
		return "", err
	}
	for _, t := range c.Thresholds {
		item := "{}"
		item, _ = sjson.Set(item, "rps", t.RPS)
		item, _ = sjson.Set(item, "seconds", t.Seconds)
		item, _ = sjson.Set(item, "coverage", t.Coverage)
		if out, err = sjson.SetRaw(out, "thresholds.-1", item); err != nil {
			return "", err
		}
	}
	return out, nil
}

// horizon is the number of seconds of history the monitor must keep.
func (c Config) horizon() int {
	h := c.Window
	for _, t := range c.Thresholds {
		if t.Seconds > h {
			h = t.Seconds
		}
	}
	if h < 1 {
		h = 1
	}
	return h
}
