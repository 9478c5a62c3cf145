package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// validatingValue wraps a flag value so malformed input fails at parse time
// with a precise message instead of surfacing later as a config error.
type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if err := v.validator(val); err != nil {
		return err
	}
	return v.Value.Set(val)
}

// addFlagValidation attaches a validator to an already-registered flag.
func addFlagValidation(cmd *cobra.Command, name string, validator func(string) error) {
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		return
	}
	flag.Value = &validatingValue{Value: flag.Value, validator: validator}
}

func validatePort(raw string) error {
	port, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", raw)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validateHost(raw string) error {
	if raw == "" {
		return fmt.Errorf("host cannot be empty")
	}
	return nil
}
