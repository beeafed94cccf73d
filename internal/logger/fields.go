package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// FieldEventType is the structured log field key for the event type.
	FieldEventType = "event_type"
	// FieldIdempotencyKey is the structured log field key for the event idempotency key.
	FieldIdempotencyKey = "idempotency_key"
	// FieldPartitionKey is the structured log field key for the lane an event runs on.
	FieldPartitionKey = "partition_key"
	// FieldUserID is the structured log field key for the affected user.
	FieldUserID = "user_id"

	// FieldProvider is the structured log field key for the AI provider name.
	FieldProvider = "ai_provider"
	// FieldModel is the structured log field key for the AI model identifier.
	FieldModel = "ai_model"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields attaches the provided fields to the logger.
// A nil logger is replaced with a no-op logger.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// EventFields returns the fields identifying a single event delivery.
func EventFields(eventType, idempotencyKey, partitionKey string) []zap.Field {
	return StringFields(
		StringField{Key: FieldEventType, Value: eventType},
		StringField{Key: FieldIdempotencyKey, Value: idempotencyKey},
		StringField{Key: FieldPartitionKey, Value: partitionKey},
	)
}

// ForUser returns a logger scoped to one user.
func ForUser(logger *zap.Logger, userID string) *zap.Logger {
	return WithFields(logger, StringFields(StringField{Key: FieldUserID, Value: userID})...)
}

// CommonFields returns standard zap fields that describe the AI provider and model.
// Empty values are ignored.
func CommonFields(provider, model string) []zap.Field {
	return StringFields(
		StringField{Key: FieldProvider, Value: provider},
		StringField{Key: FieldModel, Value: model},
	)
}

// WithCommonFields attaches the common AI fields to the provided logger.
func WithCommonFields(logger *zap.Logger, provider, model string) *zap.Logger {
	return WithFields(logger, CommonFields(provider, model)...)
}
