package airtable

import (
	"fmt"
	"net/url"
	"strings"
)

// SortDirection orders a sorted list query
type SortDirection string

const (
	Ascending  SortDirection = "asc"
	Descending SortDirection = "desc"
)

// ParseSortDirection accepts asc/desc in any case, and the long forms ascending/descending
func ParseSortDirection(s string) (SortDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc", "ascending":
		return Ascending, nil
	case "desc", "descending":
		return Descending, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidSortDirection, s)
	}
}

// Valid reports whether d is one of the two supported directions
func (d SortDirection) Valid() bool {
	return d == Ascending || d == Descending
}

// SortSpec is a single sort key
type SortSpec struct {
	Field     string
	Direction SortDirection
}

// selectOptions mirrors the list query parameters the remote API accepts.
type selectOptions struct {
	FilterByFormula string
	Sort            []SortSpec
}

// values encodes the options as query parameters, e.g. sort[0][field]=Name
func (o selectOptions) values() url.Values {
	v := url.Values{}
	if o.FilterByFormula != "" {
		v.Set("filterByFormula", o.FilterByFormula)
	}
	for i, s := range o.Sort {
		v.Set(fmt.Sprintf("sort[%d][field]", i), s.Field)
		v.Set(fmt.Sprintf("sort[%d][direction]", i), string(s.Direction))
	}
	return v
}

// SearchArray builds a formula fragment that tests whether search occurs in
// the array-valued field arrayField. The values are inserted verbatim.
func SearchArray(search, arrayField string) string {
	return fmt.Sprintf("FIND('%s', ARRAYJOIN(%s))", search, arrayField)
}
