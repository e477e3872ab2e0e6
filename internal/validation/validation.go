package validation

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"posledger/backend/internal/store"
)

type FieldError struct {
	Field string
	Tag   string
	Param string
}

func (e FieldError) String() string {
	switch e.Tag {
	case "required":
		return fmt.Sprintf("%s is required", e.Field)
	case "gte":
		return fmt.Sprintf("%s must be >= %s", e.Field, e.Param)
	case "gt":
		return fmt.Sprintf("%s must be > %s", e.Field, e.Param)
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", e.Field, e.Param)
	case "min":
		return fmt.Sprintf("%s must be at least %s", e.Field, e.Param)
	case "cents":
		return fmt.Sprintf("%s must have at most two decimal places", e.Field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", e.Field, e.Param)
	case "len":
		return fmt.Sprintf("%s must be %s characters", e.Field, e.Param)
	}
	return fmt.Sprintf("%s failed %s", e.Field, e.Tag)
}

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	// Money fields compare numerically.
	validate.RegisterCustomTypeFunc(func(v reflect.Value) any {
		if d, ok := v.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	if err := validate.RegisterValidation("cents", cents); err != nil {
		panic(err)
	}
}

// cents reads the original decimal from the parent struct, since the field
// value seen here has already been converted to float64.
func cents(fl validator.FieldLevel) bool {
	field := reflect.Indirect(fl.Parent()).FieldByName(fl.StructFieldName())
	if !field.IsValid() {
		return false
	}
	switch v := field.Interface().(type) {
	case decimal.Decimal:
		return v.Equal(v.Round(2))
	case *decimal.Decimal:
		return v == nil || v.Equal(v.Round(2))
	}
	return false
}

// Fields reports every failed rule on data.
func Fields(data any) []FieldError {
	err := validate.Struct(data)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "request", Tag: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field: trimRoot(fe.Namespace()),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}

// Struct validates data and returns a wrapped store.ErrValidation listing
// every failure, or nil.
func Struct(data any) error {
	failures := Fields(data)
	if len(failures) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		msgs = append(msgs, f.String())
	}
	return store.Invalid("%s", strings.Join(msgs, "; "))
}

func trimRoot(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}
