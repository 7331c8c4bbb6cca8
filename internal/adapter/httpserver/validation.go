package httpserver

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// validationDetails flattens validator errors into the error envelope details.
func validationDetails(err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: "failed validation rule " + fe.Tag(),
		})
	}
	return out
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validID accepts the id shapes we mint (ULIDs, UUIDs, seeded slugs) and
// rejects anything that could smuggle path or query metacharacters.
func validID(id string) bool {
	return id != "" && len(id) <= 100 && idPattern.MatchString(id)
}

// parseLimit reads a bounded positive ?limit= value, falling back to def.
func parseLimit(raw string, def, max int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, false
	}
	return n, true
}
