package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against the struct validation tags
// plus the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if ok := isValidationErrors(err, &verrs); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// At least one L2 provider must be configured; the cache degrades
	// to the other on fail-over but cannot start with neither.
	cfHas := cfg.Cache.Cloudflare.APIToken != ""
	upHas := cfg.Cache.Upstash.URL != ""
	if !cfHas && !upHas {
		return fmt.Errorf("cache: at least one provider (cloudflare or upstash) must be configured")
	}
	if cfHas {
		if err := cfg.Cache.Cloudflare.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if upHas {
		if err := cfg.Cache.Upstash.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if cfg.Cache.PreferredProvider == "cloudflare" && !cfHas {
		return fmt.Errorf("cache: preferred provider is cloudflare but no cloudflare credentials are set")
	}
	if cfg.Cache.PreferredProvider == "upstash" && !upHas {
		return fmt.Errorf("cache: preferred provider is upstash but no upstash config is set")
	}

	if cfg.Stream.Uploader == "exec" && cfg.Stream.UploaderCommand == "" {
		return fmt.Errorf("stream: uploader_command is required when uploader is exec")
	}
	if cfg.Stream.Uploader == "s3" {
		s3 := cfg.Stream.S3
		if s3.Bucket == "" || s3.AccessKeyID == "" || s3.SecretAccessKey == "" {
			return fmt.Errorf("stream: s3 bucket and credentials are required when uploader is s3")
		}
	}

	return nil
}

func isValidationErrors(err error, out *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*out = verrs
	}
	return ok
}

// describeFieldError turns a validator error into an operator-readable
// message without echoing field values (several fields are secrets).
func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
