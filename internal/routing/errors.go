package routing

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a rule source or engine setting that cannot be
// turned into a working engine. No partial engine is ever returned with it.
type ConfigurationError struct {
	Source string
	Rule   string
	Err    error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Source != "" && e.Rule != "":
		return fmt.Sprintf("routing config %s: rule %q: %v", e.Source, e.Rule, e.Err)
	case e.Source != "":
		return fmt.Sprintf("routing config %s: %v", e.Source, e.Err)
	case e.Rule != "":
		return fmt.Sprintf("routing config: rule %q: %v", e.Rule, e.Err)
	default:
		return fmt.Sprintf("routing config: %v", e.Err)
	}
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configErr(source, rule string, format string, args ...any) error {
	return &ConfigurationError{Source: source, Rule: rule, Err: fmt.Errorf(format, args...)}
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
