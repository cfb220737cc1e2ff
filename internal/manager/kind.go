package manager

import (
	"fmt"
	"strings"

	ferrors "github.com/arkilian/featureindex/internal/errors"
)

// Kind identifies an index backend.
type Kind int

const (
	// None means no preference.
	None Kind = iota
	// Primary is the geometry_index table engine.
	Primary
	// Alternate is the trigger-maintained R*Tree.
	Alternate
)

// DefaultOrder is the query preference of a new manager.
var DefaultOrder = []Kind{Alternate, Primary}

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Primary:
		return "primary"
	case Alternate:
		return "alternate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a kind name as written in configuration.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "primary", "geometry_index":
		return Primary, nil
	case "alternate", "rtree":
		return Alternate, nil
	default:
		return None, ferrors.NewValidationError(ferrors.CodeUnsupportedKind,
			fmt.Sprintf("unknown index kind %q", s))
	}
}

// ParseKinds parses a list of kind names, rejecting None.
func ParseKinds(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		if k == None {
			return nil, ferrors.NewValidationError(ferrors.CodeUnsupportedKind,
				"index kind none is not allowed in a kind list")
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func unsupported(k Kind) error {
	return ferrors.NewValidationError(ferrors.CodeUnsupportedKind,
		fmt.Sprintf("unsupported index kind %s", k))
}
