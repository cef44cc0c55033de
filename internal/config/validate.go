package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return translateValidationError(err)
	}
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateDownloader(); err != nil {
		return err
	}
	if err := c.validateSandbox(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LibraryDir) == "" {
		return errors.New("paths.library_dir must be set")
	}
	if c.Paths.APIToken != "" && c.Paths.APIBind == "" {
		return errors.New("paths.api_token requires paths.api_bind")
	}
	return nil
}

func (c *Config) validateDownloader() error {
	if c.Downloader.Backend != "aria2" {
		return nil
	}
	parsed, err := url.Parse(c.Aria2.URL)
	if err != nil {
		return fmt.Errorf("aria2.url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
		return nil
	default:
		return fmt.Errorf("aria2.url must use ws:// or wss://, got %q", parsed.Scheme)
	}
}

func (c *Config) validateSandbox() error {
	if c.Sandbox.DescribeTimeoutMillis < c.Sandbox.ValidateTimeoutMillis {
		return errors.New("sandbox.describe_timeout_ms must be >= sandbox.validate_timeout_ms")
	}
	return nil
}

// translateValidationError renders validator failures with TOML key names.
func translateValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("config validation: %w", err)
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		key := tomlKey(fe.Namespace())
		if fe.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s failed %s=%s (got %v)", key, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			messages = append(messages, fmt.Sprintf("%s failed %s (got %v)", key, fe.Tag(), fe.Value()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}

// tomlKey maps a validator namespace like "Config.fetch.workers" to "fetch.workers".
func tomlKey(namespace string) string {
	return strings.TrimPrefix(namespace, "Config.")
}
