package facet

import "fmt"

// UnknownFacetError indicates a facet name absent from the catalog.
type UnknownFacetError struct {
	Name string
}

func (e *UnknownFacetError) Error() string {
	return fmt.Sprintf("unknown facet %q", e.Name)
}

// DirectionMismatchError indicates a facet used against its declared
// direction, e.g. an input-only facet appearing as a capability output.
type DirectionMismatchError struct {
	Name     string
	Declared Direction
	Usage    Direction
}

func (e *DirectionMismatchError) Error() string {
	return fmt.Sprintf("facet %q is %s-only and cannot be used as %s", e.Name, e.Declared, e.Usage)
}
