package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep log queries stable.
const (
	// Identity
	FieldProfileID = "profile_id"
	FieldActionID  = "action_id"
	FieldDeviceID  = "device_id"
	FieldWriter    = "writer"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"
	FieldBackend   = "backend"
	FieldPeer      = "peer"

	// Sync
	FieldCategory   = "category"
	FieldGeneration = "generation"
	FieldAdded      = "added"
	FieldUpdated    = "updated"
	FieldRemoved    = "removed"
	FieldSuppressed = "suppressed"
	FieldSeq        = "seq"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Files and network
	FieldFile    = "file"
	FieldPath    = "path"
	FieldAddress = "address"
)

type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	profileIDKey contextKey = "logger_profile_id"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithProfileID adds a profile ID to the context for logging
func WithProfileID(ctx context.Context, profileID string) context.Context {
	return context.WithValue(ctx, profileIDKey, profileID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if profileID, ok := ctx.Value(profileIDKey).(string); ok && profileID != "" {
		fields = append(fields, FieldProfileID, profileID)
	}
	return fields
}

// LoggerFromContext returns the global logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	cache.New(store, cache.Options{Logger: logger.ComponentLogger("cache")})
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
