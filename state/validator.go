package state

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schema.json
var rawSchema []byte

var ErrInvalidState = errors.New("invalid vendor cache")

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.NewCompiler().Compile(rawSchema)
})

// ValidateState checks a saved vendor cache against its schema and then checks the entries
// for what the schema cannot express. All returned errors wrap ErrInvalidState.
func ValidateState(stateBytes []byte) []error {
	schema, err := compiledSchema()
	if err != nil {
		return []error{err}
	}

	var errs []error
	result := schema.Validate(stateBytes)
	if !result.IsValid() {
		for _, e := range result.Errors {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidState, e))
		}
		// stable order for logs
		slices.SortFunc(errs, func(a, b error) int {
			return strings.Compare(a.Error(), b.Error())
		})
		return errs
	}

	vendorState, err := FromJson(stateBytes)
	if err != nil {
		return []error{fmt.Errorf("%w: %w", ErrInvalidState, err)}
	}
	return validateEntries(vendorState.Entries)
}

func validateEntries(entries []Entry) []error {
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, entry := range entries {
		if first, ok := seen[entry.Prefix]; ok {
			errs = append(errs, fmt.Errorf("%w: entry %v repeats prefix %v of entry %v", ErrInvalidState, i, entry.Prefix, first))
			continue
		}
		seen[entry.Prefix] = i

		if entry.Negative && entry.Vendor != "" {
			errs = append(errs, fmt.Errorf("%w: entry %v for %v is negative but names vendor %q", ErrInvalidState, i, entry.Prefix, entry.Vendor))
		}
	}
	return errs
}
