package writer

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidRecord = errors.New("invalid line record")

// Precision is the timestamp unit written at the end of each line.
type Precision string

const (
	PrecisionMillisecond Precision = "ms"
	PrecisionMicrosecond Precision = "us"
	PrecisionNanosecond  Precision = "ns"
)

func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(strings.ToLower(strings.TrimSpace(s))); p {
	case PrecisionMillisecond, PrecisionMicrosecond, PrecisionNanosecond:
		return p, nil
	case "":
		return PrecisionMillisecond, nil
	default:
		return "", fmt.Errorf("unsupported timestamp unit %q", s)
	}
}

func (p Precision) convert(t time.Time) int64 {
	switch p {
	case PrecisionNanosecond:
		return t.UnixNano()
	case PrecisionMicrosecond:
		return t.UnixMicro()
	default:
		return t.UnixMilli()
	}
}

type Tag struct {
	Key   string
	Value string
}

// Field values may be float64, int, int64, bool or string.
type Field struct {
	Key   string
	Value interface{}
}

// LineRecord is one line-protocol point. Tags and fields keep insertion order.
type LineRecord struct {
	Measurement string
	Tags        []Tag
	Fields      []Field
	Timestamp   time.Time
}

func (r *LineRecord) AddTag(key, value string) *LineRecord {
	r.Tags = append(r.Tags, Tag{Key: key, Value: value})
	return r
}

func (r *LineRecord) AddField(key string, value interface{}) *LineRecord {
	r.Fields = append(r.Fields, Field{Key: key, Value: value})
	return r
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `, "\n", `\n`, "\r", `\r`)
	keyEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `, "\n", `\n`, "\r", `\r`)
	stringEscaper      = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
)

// AppendLine appends the encoded record and a trailing newline to dst.
// Empty tag values and non-finite floats are skipped; a record left without
// fields is invalid.
func (r *LineRecord) AppendLine(dst []byte, unit Precision) ([]byte, error) {
	if r.Measurement == "" {
		return dst, fmt.Errorf("%w: empty measurement", ErrInvalidRecord)
	}
	start := len(dst)
	dst = append(dst, measurementEscaper.Replace(r.Measurement)...)
	for _, t := range r.Tags {
		if t.Key == "" || t.Value == "" {
			continue
		}
		dst = append(dst, ',')
		dst = append(dst, keyEscaper.Replace(t.Key)...)
		dst = append(dst, '=')
		dst = append(dst, keyEscaper.Replace(t.Value)...)
	}

	written := 0
	for _, f := range r.Fields {
		if f.Key == "" {
			continue
		}
		val, ok := formatField(f.Value)
		if !ok {
			continue
		}
		if written == 0 {
			dst = append(dst, ' ')
		} else {
			dst = append(dst, ',')
		}
		dst = append(dst, keyEscaper.Replace(f.Key)...)
		dst = append(dst, '=')
		dst = append(dst, val...)
		written++
	}
	if written == 0 {
		return dst[:start], fmt.Errorf("%w: %s has no fields", ErrInvalidRecord, r.Measurement)
	}

	if !r.Timestamp.IsZero() {
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, unit.convert(r.Timestamp), 10)
	}
	return append(dst, '\n'), nil
}

func (r *LineRecord) String(unit Precision) (string, error) {
	b, err := r.AppendLine(nil, unit)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(b), "\n"), nil
}

func formatField(v interface{}) (string, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case *float64:
		if x == nil {
			return "", false
		}
		return formatField(*x)
	case int:
		return strconv.Itoa(x) + "i", true
	case int64:
		return strconv.FormatInt(x, 10) + "i", true
	case bool:
		if x {
			return "t", true
		}
		return "f", true
	case string:
		return `"` + stringEscaper.Replace(x) + `"`, true
	default:
		return "", false
	}
}
