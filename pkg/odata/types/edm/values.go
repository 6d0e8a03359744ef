package edm

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	Binary         string = "Edm.Binary"
	Boolean        string = "Edm.Boolean"
	Byte           string = "Edm.Byte"
	DateTime       string = "Edm.DateTime"
	DateTimeOffset string = "Edm.DateTimeOffset"
	Decimal        string = "Edm.Decimal"
	Double         string = "Edm.Double"
	Guid           string = "Edm.Guid"
	Int16          string = "Edm.Int16"
	Int32          string = "Edm.Int32"
	Int64          string = "Edm.Int64"
	SByte          string = "Edm.SByte"
	Single         string = "Edm.Single"
	String         string = "Edm.String"
	Time           string = "Edm.Time"
)

var dateTimeLayouts = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.RFC3339Nano,
}

// ParseValue converts the text content of a property element into a Go value.
// Unknown types are returned as strings.
func ParseValue(edmType, text string) (any, error) {
	switch edmType {
	case Boolean:
		return strconv.ParseBool(text)
	case Byte:
		v, err := strconv.ParseUint(text, 10, 8)
		return uint8(v), err
	case SByte:
		v, err := strconv.ParseInt(text, 10, 8)
		return int8(v), err
	case Int16:
		v, err := strconv.ParseInt(text, 10, 16)
		return int16(v), err
	case Int32:
		v, err := strconv.ParseInt(text, 10, 32)
		return int32(v), err
	case Int64:
		return strconv.ParseInt(text, 10, 64)
	case Double:
		return strconv.ParseFloat(text, 64)
	case Single:
		v, err := strconv.ParseFloat(text, 32)
		return float32(v), err
	case DateTime, DateTimeOffset:
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("invalid %s value %q", edmType, text)
	case Guid:
		return uuid.Parse(text)
	case Binary:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	}

	return text, nil
}

// FormatValue returns the Edm type and the text representation used when a value is
// written as a property element
func FormatValue(v any) (string, string) {
	switch t := v.(type) {
	case string:
		return String, t
	case bool:
		return Boolean, strconv.FormatBool(t)
	case uint8:
		return Byte, strconv.FormatUint(uint64(t), 10)
	case int8:
		return SByte, strconv.FormatInt(int64(t), 10)
	case int16:
		return Int16, strconv.FormatInt(int64(t), 10)
	case int32:
		return Int32, strconv.FormatInt(int64(t), 10)
	case int:
		return Int32, strconv.Itoa(t)
	case int64:
		return Int64, strconv.FormatInt(t, 10)
	case float32:
		return Single, strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return Double, strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		if _, offset := t.Zone(); offset != 0 {
			return DateTimeOffset, t.Format(time.RFC3339Nano)
		}
		return DateTime, t.UTC().Format("2006-01-02T15:04:05.9999999")
	case uuid.UUID:
		return Guid, t.String()
	case []byte:
		return Binary, base64.StdEncoding.EncodeToString(t)
	}

	return String, fmt.Sprintf("%v", v)
}

// FormatLiteral returns the URI literal form of a value as used in key predicates and filters
func FormatLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case int64:
		return strconv.FormatInt(t, 10) + "L"
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32) + "f"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64) + "d"
	case time.Time:
		edmType, text := FormatValue(t)
		if edmType == DateTimeOffset {
			return "datetimeoffset'" + text + "'"
		}
		return "datetime'" + text + "'"
	case uuid.UUID:
		return "guid'" + t.String() + "'"
	case []byte:
		return "X'" + fmt.Sprintf("%X", t) + "'"
	}

	_, text := FormatValue(v)
	return text
}
