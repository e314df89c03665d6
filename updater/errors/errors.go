package errors

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

func formatError(es []error) string {
	if len(es) == 1 {
		return fmt.Sprintf("1 error occurred: %s", es[0])
	}

	points := make([]string, len(es))
	for i, err := range es {
		points[i] = err.Error()
	}

	return fmt.Sprintf("%d errors occurred: %s", len(es), strings.Join(points, "; "))
}

// FormatErrorOrNil renders an aggregated error on a single line so it fits in one log entry
func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatError
	}
	return err.ErrorOrNil()
}
