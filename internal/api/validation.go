package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

// maxRequestBodySize caps request bodies at 1 MiB.
const maxRequestBodySize = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

// decodeJSON reads exactly one JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid json: trailing data after object")
	}
	return nil
}

// pathID parses a positive integer path value.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func validateCreateAlert(req CreateAlertRequest) error {
	var errs domain.ValidationErrors
	if req.UserID <= 0 {
		errs = append(errs, &domain.ValidationError{Field: "user_id", Message: "is required"})
	}
	if req.Direction == "" {
		errs = append(errs, &domain.ValidationError{Field: "direction", Message: "is required"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldErrors flattens domain validation errors for the response body.
func fieldErrors(err error) []FieldError {
	var ves domain.ValidationErrors
	if errors.As(err, &ves) {
		out := make([]FieldError, len(ves))
		for i, ve := range ves {
			out[i] = FieldError{Field: ve.Field, Message: ve.Message}
		}
		return out
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return []FieldError{{Field: ve.Field, Message: ve.Message}}
	}
	return nil
}
