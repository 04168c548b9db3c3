package logging

import (
	apperrors "dyno-go/internal/errors"
)

// ErrorKind normalizes error categories for logs and metric labels.
// Classified pool errors report their kind; anything else is labelled by
// its network class, or "error" when it is not a network failure.
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := apperrors.KindOf(err); kind != apperrors.KindUnknown {
		return kind.String()
	}
	if class := apperrors.ClassifyNetworkError(err); class != apperrors.NetworkNone {
		return "network_" + class.String()
	}
	return "error"
}
