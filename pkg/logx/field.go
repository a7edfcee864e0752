package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is one key/value attached to a log line. The zero Field is skipped,
// so helpers like Err(nil) can be passed unconditionally.
type Field struct {
	key string
	val any
}

func (f Field) Key() string { return f.key }

func String(k, v string) Field                 { return Field{k, v} }
func Int(k string, v int) Field                { return Field{k, v} }
func Int64(k string, v int64) Field            { return Field{k, v} }
func Uint64(k string, v uint64) Field          { return Field{k, v} }
func Bool(k string, v bool) Field              { return Field{k, v} }
func Duration(k string, v time.Duration) Field { return Field{k, v} }
func Time(k string, v time.Time) Field         { return Field{k, v} }
func Any(k string, v any) Field                { return Field{k, v} }

// Err attaches err under zerolog's error field name. nil yields the zero Field.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{zerolog.ErrorFieldName, err}
}

// Stack attaches a goroutine stack; blank stacks are dropped.
func Stack(stack string) Field {
	if strings.TrimSpace(stack) == "" {
		return Field{}
	}
	return Field{"stack", stack}
}

func (f Field) addTo(e *zerolog.Event) {
	if f.key == "" {
		return
	}
	switch v := f.val.(type) {
	case string:
		e.Str(f.key, v)
	case int:
		e.Int(f.key, v)
	case int64:
		e.Int64(f.key, v)
	case uint64:
		e.Uint64(f.key, v)
	case bool:
		e.Bool(f.key, v)
	case time.Duration:
		e.Dur(f.key, v)
	case time.Time:
		e.Time(f.key, v)
	case error:
		e.AnErr(f.key, v)
	default:
		e.Interface(f.key, v)
	}
}
