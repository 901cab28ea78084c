package httpapi

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/agentries/saltwire/internal/apperrors"
)

// validationError turns a gin bind error into a RelayError. Struct-tag
// validation failures carry one FieldError per failed field; anything else
// (malformed JSON, wrong content type) becomes a flat validation message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		relayErr := apperrors.Validation("request validation failed")
		for _, fe := range verrs {
			relayErr = relayErr.WithField(fe.Field(), fe.Tag())
		}
		return relayErr
	}
	return apperrors.Validation(err.Error())
}
