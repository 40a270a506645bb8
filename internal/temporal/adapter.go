// Package temporal bridges fathom's zap logging into the Temporal SDK.
package temporal

import (
	"fmt"
	"reflect"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapAdapter adapts a zap logger to Temporal's logger interface.
type ZapAdapter struct {
	logger *zap.Logger
}

func NewZapAdapter(logger *zap.Logger) log.Logger {
	return &ZapAdapter{logger: logger}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) {
	z.logger.Debug(msg, z.fieldsFromKeyvals(keyvals)...)
}

func (z *ZapAdapter) Info(msg string, keyvals ...interface{}) {
	z.logger.Info(msg, z.fieldsFromKeyvals(keyvals)...)
}

func (z *ZapAdapter) Warn(msg string, keyvals ...interface{}) {
	z.logger.Warn(msg, z.fieldsFromKeyvals(keyvals)...)
}

func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) {
	z.logger.Error(msg, z.fieldsFromKeyvals(keyvals)...)
}

// With returns a logger with additional fields, as the SDK expects.
func (z *ZapAdapter) With(keyvals ...interface{}) log.Logger {
	return &ZapAdapter{logger: z.logger.With(z.fieldsFromKeyvals(keyvals)...)}
}

func (z *ZapAdapter) fieldsFromKeyvals(keyvals []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields = append(fields, safeZapField(key, keyvals[i+1]))
		}
	}
	return fields
}

// safeZapField creates a zap field, guarding against values zap.Any cannot
// serialize (the SDK occasionally logs funcs and channels).
func safeZapField(key string, val interface{}) (field zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			field = zap.String(key, fmt.Sprintf("<unserializable: %v>", r))
		}
	}()

	if val == nil {
		return zap.String(key, "<nil>")
	}
	switch reflect.ValueOf(val).Kind() {
	case reflect.Func:
		return zap.String(key, "<func>")
	case reflect.Chan:
		return zap.String(key, "<chan>")
	case reflect.UnsafePointer:
		return zap.String(key, "<unsafe.Pointer>")
	case reflect.Invalid:
		return zap.String(key, "<invalid>")
	default:
		return zap.Any(key, val)
	}
}
