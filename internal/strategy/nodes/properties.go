package nodes

import (
	"fmt"
	"math"
	"strings"

	apperrors "quantgraph/pkg/errors"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"
)

var validate = validator.New()

func propertyError(nodeType, name string, value interface{}, reason string) error {
	return fmt.Errorf("%w: %s.%s = %v: %s", apperrors.ErrInvalidProperty, nodeType, name, value, reason)
}

func unknownProperty(nodeType, name string) error {
	return fmt.Errorf("%w: %s has no property %q", apperrors.ErrInvalidProperty, nodeType, name)
}

// checkRecord validates a candidate properties record before it is
// committed, so a rejected assignment leaves the node unchanged
func checkRecord(nodeType, name string, value interface{}, record interface{}) error {
	if err := validate.Struct(record); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return propertyError(nodeType, name, value, fmt.Sprintf("must satisfy %s=%s", verrs[0].Tag(), verrs[0].Param()))
		}
		return propertyError(nodeType, name, value, err.Error())
	}
	return nil
}

func toString(nodeType, name string, value interface{}) (string, error) {
	s, err := cast.ToStringE(value)
	if err != nil {
		return "", propertyError(nodeType, name, value, "not a string")
	}
	return strings.TrimSpace(s), nil
}

func toFloat(nodeType, name string, value interface{}) (float64, error) {
	f, err := cast.ToFloat64E(value)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, propertyError(nodeType, name, value, "not a number")
	}
	return f, nil
}

func toInt(nodeType, name string, value interface{}) (int, error) {
	f, err := toFloat(nodeType, name, value)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, propertyError(nodeType, name, value, "not an integer")
	}
	return cast.ToInt(f), nil
}
