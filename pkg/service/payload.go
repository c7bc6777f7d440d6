package service

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

const maxTitleLength = 200

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// normalizeCreate validates a creation request and fills in defaults.
func normalizeCreate(req *CreateRequest) error {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return errors.WithMessage(ErrValidation, "title is required")
	}
	if utf8.RuneCountInString(req.Title) > maxTitleLength {
		return errors.WithMessagef(ErrValidation, "title exceeds %d characters", maxTitleLength)
	}
	if req.Requester.ID == 0 {
		return errors.WithMessage(ErrValidation, "requester is required")
	}
	if req.Priority == "" {
		req.Priority = models.NormalPriority
	}
	req.Priority = models.Priority(strings.ToUpper(string(req.Priority)))
	if !req.Priority.Valid() {
		return errors.WithMessagef(ErrValidation, "priority must be LOW, NORMAL, HIGH or URGENT, got %q", req.Priority)
	}
	if req.Currency == "" {
		req.Currency = models.DefaultCurrency
	}
	req.Currency = strings.ToUpper(req.Currency)
	if !currencyPattern.MatchString(req.Currency) {
		return errors.WithMessagef(ErrValidation, "currency must be a 3-letter code, got %q", req.Currency)
	}
	if req.Amount.Valid && req.Amount.Decimal.IsNegative() {
		return errors.WithMessage(ErrValidation, "amount must not be negative")
	}
	return nil
}

// validatePayload checks that payload is a JSON object and, when the template carries one,
// that it satisfies the template's JSON Schema. The engine never looks inside the payload otherwise.
func validatePayload(schema, payload models.RawJSON) error {
	doc := []byte(payload)
	if len(doc) == 0 || string(doc) == "null" {
		doc = []byte("{}")
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(doc, &obj); err != nil {
		return errors.WithMessage(ErrValidation, "payload must be a JSON object")
	}
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.Wrap(err, "evaluate payload schema")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.WithMessage(ErrValidation, fmt.Sprintf("payload: %s", strings.Join(msgs, "; ")))
	}
	return nil
}
