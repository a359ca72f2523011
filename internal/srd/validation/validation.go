// Package validation checks and normalizes applicant keys before they reach the
// service. The fetcher only rejects empty values; format rules live here.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	"srdwatch/internal/srd/models"
	dErrors "srdwatch/pkg/domain-errors"
)

// Region is the numbering plan mobiles are parsed against.
const Region = "ZA"

// CheckRequest is the applicant key as supplied by a caller.
type CheckRequest struct {
	IDNumber string `json:"id_number" validate:"required,number,len=13"`
	Mobile   string `json:"mobile" validate:"required,za_mobile"`
}

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("za_mobile", func(fl validator.FieldLevel) bool {
		_, err := NormalizeMobile(fl.Field().String())
		return err == nil
	})
	return &Validator{validate: v}
}

// Key validates req and returns the normalized applicant key.
func (v *Validator) Key(req CheckRequest) (models.Key, error) {
	req.IDNumber = strings.TrimSpace(req.IDNumber)
	req.Mobile = strings.TrimSpace(req.Mobile)

	if err := v.validate.Struct(req); err != nil {
		return models.Key{}, dErrors.Wrap(err, dErrors.CodeValidation, describe(err))
	}
	mobile, err := NormalizeMobile(req.Mobile)
	if err != nil {
		return models.Key{}, dErrors.Wrap(err, dErrors.CodeValidation, "mobile: "+err.Error())
	}
	return models.Key{IDNumber: req.IDNumber, Mobile: mobile}, nil
}

// NormalizeMobile parses raw as a South African mobile number and returns it
// in national digits form, e.g. "+27 82 123 4567" → "0821234567".
func NormalizeMobile(raw string) (string, error) {
	num, err := libphonenumber.Parse(raw, Region)
	if err != nil {
		return "", fmt.Errorf("not a phone number: %w", err)
	}
	if !libphonenumber.IsValidNumberForRegion(num, Region) {
		return "", errors.New("not a valid South African number")
	}
	switch libphonenumber.GetNumberType(num) {
	case libphonenumber.MOBILE, libphonenumber.FIXED_LINE_OR_MOBILE:
	default:
		return "", errors.New("not a mobile number")
	}
	national := libphonenumber.Format(num, libphonenumber.NATIONAL)
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, national), nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return "invalid request"
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+": is required")
		case "number", "len":
			msgs = append(msgs, fe.Field()+": must be 13 digits")
		case "za_mobile":
			msgs = append(msgs, fe.Field()+": must be a South African mobile number")
		default:
			msgs = append(msgs, fe.Field()+": is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}
