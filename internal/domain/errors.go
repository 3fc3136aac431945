package domain

import (
	"fmt"
	"time"
)

// ConfigError reports malformed or internally inconsistent configuration.
// It is fatal at the load/reload boundary: a table set that produces a
// ConfigError is never published, even partially.
type ConfigError struct {
	Table  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Table, e.Reason)
}

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(table, format string, args ...any) *ConfigError {
	return &ConfigError{Table: table, Reason: fmt.Sprintf(format, args...)}
}

// UnknownRegionError reports that no threshold mapping exists for a
// (region, metric) pair at the requested date. Thresholds are regulatory,
// so a missing mapping is surfaced rather than silently defaulted.
type UnknownRegionError struct {
	Region Region
	Metric Metric
	AsOf   time.Time
}

func (e *UnknownRegionError) Error() string {
	return fmt.Sprintf("no threshold mapping for region %s metric %s as of %s",
		e.Region, e.Metric, e.AsOf.Format("2006-01-02"))
}

// CurrencyError reports a missing rate for a requested currency. It
// degrades the penalty estimate to unavailable; it never aborts an
// evaluation.
type CurrencyError struct {
	Currency string
}

func (e *CurrencyError) Error() string {
	return fmt.Sprintf("no rate for currency %s", e.Currency)
}
