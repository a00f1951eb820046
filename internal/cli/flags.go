package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/jmylchreest/packdock/internal/config"
)

// isolationValue is a pflag.Value restricted to the known isolation modes.
// The zero value means the flag was not given.
type isolationValue config.Isolation

var _ pflag.Value = (*isolationValue)(nil)

func (v *isolationValue) String() string { return string(*v) }

func (v *isolationValue) Set(s string) error {
	iso := config.Isolation(strings.ToLower(strings.TrimSpace(s)))
	switch iso {
	case config.IsolationNone, config.IsolationProcess:
		*v = isolationValue(iso)
		return nil
	default:
		return fmt.Errorf("must be %q or %q", config.IsolationNone, config.IsolationProcess)
	}
}

func (v *isolationValue) Type() string { return "isolation" }

// changedInt returns the value of the int flag name if it was set on the
// command line.
func changedInt(fs *pflag.FlagSet, name string) (int, bool, error) {
	f := fs.Lookup(name)
	if f == nil || !f.Changed {
		return 0, false, nil
	}
	n, err := fs.GetInt(name)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	return n, true, nil
}
