package envelope

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns nil when the result is valid, otherwise all failures joined.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

var (
	typeToken = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	validPrincipalTypes = map[string]bool{
		PrincipalService: true,
		PrincipalAgent:   true,
		PrincipalUser:    true,
		PrincipalSystem:  true,
	}
)

// Validate checks the envelope for structural correctness. It is
// fail-closed: any missing mandatory field, malformed actor, source, or
// security context, or unknown principal type makes the result invalid.
func (e *Envelope) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	requireNonEmpty(result, "id", e.ID)
	requireNonEmpty(result, "type", e.Type)
	requireNonEmpty(result, "tenant", e.Tenant)
	requireNonEmpty(result, "workspace", e.Workspace)
	requireNonEmpty(result, "idempotency_key", e.IdempotencyKey)

	if e.TS <= 0 {
		addError(result, "ts", "INVALID_VALUE", "ts must be positive unix milliseconds")
	}

	if e.Type != "" {
		validateType(result, e.Type)
	}

	validateSchemaVersion(result, e.SchemaVersion)

	requireNonEmpty(result, "actor.id", e.Actor.ID)
	requireNonEmpty(result, "actor.role", e.Actor.Role)
	requireNonEmpty(result, "source.agent", e.Source.Agent)
	requireNonEmpty(result, "source.adapter", e.Source.Adapter)

	requireNonEmpty(result, "security_context.principal_id", e.SecurityContext.PrincipalID)
	if e.SecurityContext.PrincipalType == "" {
		addError(result, "security_context.principal_type", "REQUIRED",
			"security_context.principal_type is required")
	} else if !validPrincipalTypes[e.SecurityContext.PrincipalType] {
		addError(result, "security_context.principal_type", "INVALID_VALUE",
			fmt.Sprintf("unknown principal type %q", e.SecurityContext.PrincipalType))
	}

	if e.Payload == nil {
		addError(result, "payload", "REQUIRED", "payload is required (may be empty)")
	}

	if e.ExpectedVersion != nil {
		if *e.ExpectedVersion < 0 {
			addError(result, "expected_version", "INVALID_VALUE",
				"expected_version must be non-negative")
		}
		if e.EntityID == "" {
			addError(result, "entity_id", "REQUIRED",
				"entity_id is required when expected_version is set")
		}
	}

	return result
}

func validateType(result *ValidationResult, typ string) {
	tokens := strings.Split(typ, ".")
	if len(tokens) < 2 {
		addError(result, "type", "INVALID_VALUE",
			fmt.Sprintf("type %q must have at least two dot-separated tokens", typ))
		return
	}
	for _, tok := range tokens {
		if !typeToken.MatchString(tok) {
			addError(result, "type", "INVALID_VALUE",
				fmt.Sprintf("type token %q must match [a-zA-Z0-9_-]", tok))
			return
		}
	}
}

func validateSchemaVersion(result *ValidationResult, version string) {
	if version == "" {
		addError(result, "schema_version", "REQUIRED", "schema_version is required")
		return
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		addError(result, "schema_version", "INVALID_VALUE",
			fmt.Sprintf("schema_version %q is not a semantic version", version))
		return
	}
	if v.Major() != 1 {
		addError(result, "schema_version", "UNSUPPORTED_VERSION",
			fmt.Sprintf("unsupported schema_version %q, expected major version 1", version))
	}
}

func requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
	}
}

func addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
