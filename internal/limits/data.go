// ABOUTME: TOML-declared admission rules: cooldown rates and concurrency caps.
// ABOUTME: Loaded at startup and re-loaded when a RELOAD_DATA packet arrives.

package limits

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration parses TOML duration strings like "4s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Data declares the admission rules for rate-limited commands:
//
//	[cooldowns]
//	mine = "2s"
//	pillage = "300s"
//
//	[concurrency]
//	mine = 1
//	fish = 3
//
// Commands absent from a table are unrestricted in that dimension.
type Data struct {
	Cooldowns   map[string]Duration `toml:"cooldowns"`
	Concurrency map[string]int      `toml:"concurrency"`
}

// Load reads and validates the data file.
func Load(path string) (*Data, error) {
	var d Data
	if _, err := toml.DecodeFile(path, &d); err != nil {
		return nil, fmt.Errorf("loading limits data: %w", err)
	}
	for command, cap := range d.Concurrency {
		if cap < 1 {
			return nil, fmt.Errorf("limits data: concurrency cap for %q must be at least 1, got %d", command, cap)
		}
	}
	for command, rate := range d.Cooldowns {
		if rate <= 0 {
			return nil, fmt.Errorf("limits data: cooldown for %q must be positive", command)
		}
	}
	return &d, nil
}

// CooldownRates converts the declared rates to plain durations.
func (d *Data) CooldownRates() map[string]time.Duration {
	rates := make(map[string]time.Duration, len(d.Cooldowns))
	for command, rate := range d.Cooldowns {
		rates[command] = time.Duration(rate)
	}
	return rates
}
