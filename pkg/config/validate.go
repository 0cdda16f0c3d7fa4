package config

import (
	"fmt"
	"path"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance.
var validate *validator.Validate

var unixNameRE = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

func init() {
	validate = validator.New()

	// Report fields by their file key rather than the Go name.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	validate.RegisterValidation("abspath", validateAbsPath)
	validate.RegisterValidation("unixname", validateUnixName)
}

// validateAbsPath accepts clean absolute paths other than "/".
func validateAbsPath(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // Let 'required' handle empty values
	}
	return path.IsAbs(value) && path.Clean(value) == value && value != "/"
}

// validateUnixName accepts portable user and group names.
func validateUnixName(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return unixNameRE.MatchString(value)
}

// Validate checks field constraints and the relations between fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(validationErrors)
		}
		return err
	}

	d := c.Deployment
	paths := map[string]string{
		"document_root":  d.DocumentRoot,
		"repo_dir":       d.RepoDir,
		"virtualenv_dir": d.VirtualenvDir,
		"log_dir":        d.LogDir,
	}
	seen := make(map[string]string, len(paths))
	for _, key := range []string{"document_root", "repo_dir", "virtualenv_dir", "log_dir"} {
		p := paths[key]
		if other, dup := seen[p]; dup {
			return fmt.Errorf("validation failed: deployment.%s must differ from deployment.%s (%s)", key, other, p)
		}
		seen[p] = key
	}

	if path.IsAbs(d.RequirementsFile) || strings.HasPrefix(path.Clean(d.RequirementsFile), "..") {
		return fmt.Errorf("validation failed: deployment.requirements_file must be relative to the checkout")
	}
	if strings.HasPrefix(path.Clean("/"+d.RepoRoot), "/..") {
		return fmt.Errorf("validation failed: deployment.repo_root must stay inside the checkout")
	}
	return nil
}

// formatValidationErrors formats validation errors into a human-readable error.
func formatValidationErrors(errs validator.ValidationErrors) error {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, formatFieldError(e))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(messages, "; "))
}

// formatFieldError formats a single field error into a human-readable message.
func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "abspath":
		return fmt.Sprintf("%s must be a clean absolute path", field)
	case "unixname":
		return fmt.Sprintf("%s must be a valid user or group name", field)
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	case "hostname_rfc1123", "hostname_rfc1123|ip":
		return fmt.Sprintf("%s must be a host name", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
