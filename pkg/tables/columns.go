package tables

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

type ColumnType string

const (
	ColumnTypeString       ColumnType = "STRING"
	ColumnTypeInteger      ColumnType = "INTEGER"
	ColumnTypeDouble       ColumnType = "DOUBLE"
	ColumnTypeBoolean      ColumnType = "BOOLEAN"
	ColumnTypeDate         ColumnType = "DATE"
	ColumnTypeFileHandleID ColumnType = "FILEHANDLEID"
	ColumnTypeUserID       ColumnType = "USERID"
	ColumnTypeEntityID     ColumnType = "ENTITYID"
	ColumnTypeLink         ColumnType = "LINK"
)

const (
	MaxBooleanBytes = 5
	MaxIntegerBytes = 20
	// MaxDoubleBytes fits the longest shortest-form rendering, -1.7976931348623157e+308
	MaxDoubleBytes = 24

	DefaultMaxStringSize = 50
	MaxStringSize        = 2000
	maxBytesPerChar      = 4
)

// ColumnModel describes one column of a table schema
type ColumnModel struct {
	ID      int64      `yaml:"id"`
	Name    string     `yaml:"name"`
	Type    ColumnType `yaml:"type"`
	MaxSize *int64     `yaml:"max_size,omitempty"`
}

func (c *ColumnModel) maxSize() int64 {
	if c.MaxSize == nil {
		return DefaultMaxStringSize
	}
	return *c.MaxSize
}

// Validate checks the column definition itself
func (c *ColumnModel) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: column %d has no name", ErrInvalidArgument, c.ID)
	}
	switch c.Type {
	case ColumnTypeString, ColumnTypeLink:
		if size := c.maxSize(); size < 1 || size > MaxStringSize {
			return fmt.Errorf("%w: column '%s' max size must be between 1 and %d", ErrInvalidArgument, c.Name, MaxStringSize)
		}
	case ColumnTypeInteger, ColumnTypeDouble, ColumnTypeBoolean, ColumnTypeDate, ColumnTypeFileHandleID, ColumnTypeUserID, ColumnTypeEntityID:
	default:
		return fmt.Errorf("%w: column '%s' has unknown type '%s'", ErrInvalidArgument, c.Name, c.Type)
	}
	return nil
}

// MaxBytesForColumn is the largest encoded size a single value of the column may take
func MaxBytesForColumn(c *ColumnModel) int64 {
	switch c.Type {
	case ColumnTypeBoolean:
		return MaxBooleanBytes
	case ColumnTypeInteger, ColumnTypeDate, ColumnTypeFileHandleID, ColumnTypeUserID, ColumnTypeEntityID:
		return MaxIntegerBytes
	case ColumnTypeDouble:
		return MaxDoubleBytes
	default:
		return c.maxSize() * maxBytesPerChar
	}
}

// MaxRowBytes is the largest encoded size of a row over the given schema
func MaxRowBytes(schema []*ColumnModel) int64 {
	var total int64
	for _, c := range schema {
		total += MaxBytesForColumn(c)
	}
	return total
}

// NormalizeValue converts a raw cell value into its canonical stored form. Empty values become
// null.
func NormalizeValue(c *ColumnModel, value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	raw := *value
	if c.Type != ColumnTypeString && c.Type != ColumnTypeLink {
		raw = strings.TrimSpace(raw)
	}
	if raw == "" {
		return nil, nil
	}
	var (
		normalized string
		err        error
	)
	switch c.Type {
	case ColumnTypeBoolean:
		normalized, err = normalizeBoolean(raw)
	case ColumnTypeInteger, ColumnTypeFileHandleID, ColumnTypeUserID, ColumnTypeEntityID:
		normalized, err = normalizeInteger(raw)
	case ColumnTypeDate:
		normalized, err = normalizeDate(raw)
	case ColumnTypeDouble:
		normalized, err = normalizeDouble(raw)
	case ColumnTypeString, ColumnTypeLink:
		if n := int64(utf8.RuneCountInString(raw)); n > c.maxSize() {
			err = fmt.Errorf("value exceeds the maximum of %d characters", c.maxSize())
		}
		normalized = raw
	default:
		err = fmt.Errorf("unknown column type '%s'", c.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: column '%s': %s", ErrInvalidArgument, c.Name, err)
	}
	if int64(len(normalized)) > MaxBytesForColumn(c) {
		return nil, fmt.Errorf("%w: column '%s': value exceeds %d bytes", ErrInvalidArgument, c.Name, MaxBytesForColumn(c))
	}
	return &normalized, nil
}

func normalizeBoolean(raw string) (string, error) {
	b, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		return "", fmt.Errorf("'%s' is not a boolean", raw)
	}
	return strconv.FormatBool(b), nil
}

func normalizeInteger(raw string) (string, error) {
	i, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("'%s' is not an integer", raw)
	}
	return strconv.FormatInt(i, 10), nil
}

// normalizeDate accepts epoch milliseconds or an RFC 3339 timestamp and stores epoch
// milliseconds
func normalizeDate(raw string) (string, error) {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", fmt.Errorf("'%s' is not a date", raw)
	}
	return strconv.FormatInt(t.UnixMilli(), 10), nil
}

func normalizeDouble(raw string) (string, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", fmt.Errorf("'%s' is not a double", raw)
	}
	switch {
	case math.IsNaN(f):
		return "NaN", nil
	case math.IsInf(f, 1):
		return "Infinity", nil
	case math.IsInf(f, -1):
		return "-Infinity", nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
