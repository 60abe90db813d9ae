package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	validator "gopkg.in/go-playground/validator.v9"
)

// ValidationError reports a single offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.RegisterValidation("virtualpath", func(fl validator.FieldLevel) bool {
		_, err := NormalizeVirtualPath(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}

	return v
}

// ValidateConfig checks a complete ServerConfig.
func ValidateConfig(cfg ServerConfig) error {
	return translate(validate.Struct(cfg))
}

// ValidatePatch checks the fields present in a ConfigPatch.
func ValidatePatch(p ConfigPatch) error {
	return translate(validate.Struct(p))
}

// ValidateMapping checks the shape of a mapping. It does not touch the
// filesystem; see CanonicalLocalPath for that.
func ValidateMapping(m DirectoryMapping) error {
	if err := translate(validate.Struct(m)); err != nil {
		// Give the precise reason for a bad virtual path.
		if verr, ok := err.(*ValidationError); ok && verr.Field == "virtual_path" && m.VirtualPath != "" {
			if _, nerr := NormalizeVirtualPath(m.VirtualPath); nerr != nil {
				return nerr
			}
		}
		return err
	}
	return nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return errors.Wrap(err, "validation")
	}

	fe := verrs[0]
	field := fe.Field()
	if ns := fe.Namespace(); strings.Contains(ns, ".") {
		field = ns[strings.Index(ns, ".")+1:]
	}

	switch fe.Tag() {
	case "required":
		return invalid(field, "is required")
	case "oneof":
		return invalid(field, "must be one of [%s]", fe.Param())
	case "min":
		if fe.Kind() == reflect.String {
			return invalid(field, "must not be empty")
		}
		return invalid(field, "must be at least %s", fe.Param())
	case "max":
		return invalid(field, "must be at most %s", fe.Param())
	case "virtualpath":
		return invalid(field, "is not a valid virtual path")
	default:
		return invalid(field, "failed %q validation", fe.Tag())
	}
}

// NormalizeVirtualPath returns the canonical form of a mapping prefix:
// leading slash, no empty segments, no trailing slash except for the root.
func NormalizeVirtualPath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", invalid("virtual_path", "must begin with '/'")
	}

	for i := 0; i < len(p); i++ {
		switch c := p[i]; {
		case c == 0:
			return "", invalid("virtual_path", "must not contain null bytes")
		case c >= 0x80:
			return "", invalid("virtual_path", "must be ASCII")
		case c < 0x20 || c == 0x7f:
			return "", invalid("virtual_path", "must not contain control characters")
		}
	}

	parts := make([]string, 0, strings.Count(p, "/"))
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", invalid("virtual_path", "must not contain '.' or '..' segments")
		}
		parts = append(parts, seg)
	}

	return "/" + strings.Join(parts, "/"), nil
}

// CanonicalLocalPath resolves p to an absolute, symlink-free directory path.
func CanonicalLocalPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalid("local_path", "is required")
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", invalid("local_path", "must not contain null bytes")
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", invalid("local_path", "cannot be made absolute")
	}

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", invalid("local_path", "%s does not exist", abs)
	}

	info, err := os.Stat(real)
	if err != nil {
		return "", invalid("local_path", "%s is not accessible", abs)
	}
	if !info.IsDir() {
		return "", invalid("local_path", "%s is not a directory", abs)
	}

	return real, nil
}

// IsValidationError reports whether err (or its cause) is a ValidationError.
func IsValidationError(err error) bool {
	_, ok := errors.Cause(err).(*ValidationError)
	return ok
}
