package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors folds the non-nil errors of a multi-step operation into one
// error and logs the failure once. It returns nil when every step succeeded.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var failed []string
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) == 0 {
		return nil
	}

	entry := make([]Field, 0, len(fields)+3)
	entry = append(entry, fields...)
	entry = append(entry, F("operation", operation), F("failures", len(failed)), F("errors", failed))
	Log().Error(operation+" incomplete", entry...)

	return fmt.Errorf("%s failed: %w", operation, errors.Join(errs...))
}
