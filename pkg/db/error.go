package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a unique constraint violation.
// Open sets TranslateError, so the postgres, mysql and sqlite dialects
// surface gorm.ErrDuplicatedKey. Dialectors without a translator, such as
// the pure-Go sqlite used in tests, only expose the driver message.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
