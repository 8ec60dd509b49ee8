package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joshp123/stromer/plugins/stromer"
)

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// resolveBike accepts a bike id or nickname. With a single bike on the
// account the input may be empty.
func resolveBike(bikes []stromer.BikeIdentity, input string) (stromer.BikeIdentity, error) {
	if input == "" && len(bikes) == 1 {
		return bikes[0], nil
	}
	needle := normalizeName(input)
	for _, bike := range bikes {
		if bike.ID == input || normalizeName(bike.Nickname) == needle {
			return bike, nil
		}
	}
	available := make([]string, 0, len(bikes))
	for _, bike := range bikes {
		available = append(available, fmt.Sprintf("%s (%s)", bike.Nickname, bike.ID))
	}
	sort.Strings(available)
	if input == "" {
		return stromer.BikeIdentity{}, fmt.Errorf("several bikes on this account, pick one with --bike. Available: %s", strings.Join(available, ", "))
	}
	return stromer.BikeIdentity{}, fmt.Errorf("bike %q not found. Available: %s", input, strings.Join(available, ", "))
}
