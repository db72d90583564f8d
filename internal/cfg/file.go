package cfg

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ApplyFile fills flags from a YAML file whose keys are flag names. Flags
// already set on fs (from the command line or the environment) win over the
// file. Unknown keys and non-scalar values are errors.
//
// Values are passed to the flag exactly as written in the file, so ids such
// as 0123 or 123e45 are not reinterpreted as YAML numbers first.
func ApplyFile(fs *flag.FlagSet, path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	values := map[string]yaml.Node{}
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, name := range keys {
		if name == "config" {
			errs = append(errs, errors.New("config file cannot set \"config\""))
			continue
		}
		if fs.Lookup(name) == nil {
			errs = append(errs, fmt.Errorf("unknown config key %q", name))
			continue
		}
		if set[name] {
			continue
		}
		v := values[name]
		if v.Kind == yaml.AliasNode && v.Alias != nil {
			v = *v.Alias
		}
		if v.Kind != yaml.ScalarNode || v.Tag == "!!null" {
			errs = append(errs, fmt.Errorf("config key %q must be a scalar", name))
			continue
		}
		if err := fs.Set(name, v.Value); err != nil {
			errs = append(errs, fmt.Errorf("config key %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
