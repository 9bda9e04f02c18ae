package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseByteSize parses sizes like "1MB", "512KB" or "2048576". Empty means
// DefaultMaxBodySize.
func ParseByteSize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", size)
	}
	if value <= 0 {
		return 0, errors.New("size must be positive")
	}
	if value > math.MaxInt64/multiplier {
		return 0, errors.New("size too large")
	}
	return value * multiplier, nil
}
