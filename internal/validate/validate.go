// Package validate wires the relay's request-shape validators (DID,
// UUIDv4, base64 payload, CIDv1, Ed25519 signature, E.164 phone, recipient
// list size) into gin's binding.StructValidator.
package validate

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var (
	hexDID     = regexp.MustCompile(`^did:phone:[0-9a-f]{64}$`)
	base58DID  = regexp.MustCompile(`^did:buds:[1-9A-HJ-NP-Za-km-z]{1,44}$`)
	uuidv4     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	base64Std  = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	cidv1Text  = regexp.MustCompile(`^b[a-z2-7]{50,60}$`)
	e164Phone  = regexp.MustCompile(`^\+[1-9][0-9]{0,14}$`)
)

// defaultValidator adapts *validator.Validate to gin's binding.StructValidator.
type defaultValidator struct {
	validate *validator.Validate
}

var _ binding.StructValidator = (*defaultValidator)(nil)

func (v *defaultValidator) ValidateStruct(obj any) error {
	if kindOfData(obj) == reflect.Struct {
		return v.validate.Struct(obj)
	}
	return nil
}

func (v *defaultValidator) Engine() any {
	return v.validate
}

func kindOfData(data any) reflect.Kind {
	value := reflect.ValueOf(data)
	valueType := value.Kind()
	if valueType == reflect.Ptr {
		valueType = value.Elem().Kind()
	}
	return valueType
}

// New builds the relay's validator engine with every custom tag registered.
// Callers install it with binding.Validator = validate.New() at startup.
func New() binding.StructValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("did", validateDID)
	_ = v.RegisterValidation("uuidv4", validateUUIDv4)
	_ = v.RegisterValidation("b64payload", validateBase64Payload)
	_ = v.RegisterValidation("cidv1", validateCIDv1)
	_ = v.RegisterValidation("ed25519sig", validateEd25519Sig)
	_ = v.RegisterValidation("e164", validateE164)

	return &defaultValidator{validate: v}
}

// IsDID reports whether s is a well-formed did:phone: or legacy did:buds: DID.
func IsDID(s string) bool {
	return hexDID.MatchString(s) || base58DID.MatchString(s)
}

// IsUUIDv4 reports whether s is a well-formed UUIDv4 string.
func IsUUIDv4(s string) bool {
	return uuidv4.MatchString(s)
}

// IsBase64Payload reports whether s is a non-empty standard-alphabet
// base64 string with optional padding.
func IsBase64Payload(s string) bool {
	return s != "" && base64Std.MatchString(s)
}

// IsCIDv1 reports whether s matches the relay's fixed CIDv1 text shape: a
// literal "b" prefix followed by 50-60 lowercase base32 characters.
func IsCIDv1(s string) bool {
	return cidv1Text.MatchString(s)
}

// IsEd25519Signature reports whether s is a base64 encoding of exactly 64
// raw bytes (86-88 characters with optional padding).
func IsEd25519Signature(s string) bool {
	if len(s) < 86 || len(s) > 88 {
		return false
	}
	return base64Std.MatchString(s)
}

// IsE164Phone reports whether s is a well-formed E.164 phone number.
func IsE164Phone(s string) bool {
	return e164Phone.MatchString(s)
}

func validateDID(fl validator.FieldLevel) bool {
	return IsDID(fl.Field().String())
}

func validateUUIDv4(fl validator.FieldLevel) bool {
	return IsUUIDv4(fl.Field().String())
}

func validateBase64Payload(fl validator.FieldLevel) bool {
	return IsBase64Payload(fl.Field().String())
}

func validateCIDv1(fl validator.FieldLevel) bool {
	return IsCIDv1(fl.Field().String())
}

func validateEd25519Sig(fl validator.FieldLevel) bool {
	return IsEd25519Signature(fl.Field().String())
}

func validateE164(fl validator.FieldLevel) bool {
	return IsE164Phone(fl.Field().String())
}
