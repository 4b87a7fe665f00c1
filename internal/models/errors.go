package models

import (
	"errors"
	"fmt"
)

var (
	errActionTypeBlank = errors.New("action type must not be blank")
	errParamNameBlank  = errors.New("parameter name must not be blank")
)

func errParamNameDuplicate(name string) error {
	return fmt.Errorf("duplicate parameter name %q", name)
}

func errParamOptionsEmpty(name string) error {
	return fmt.Errorf("select parameter %q must declare at least one option", name)
}
