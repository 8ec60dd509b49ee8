package oauth

import "strings"

// DefaultBaseURL is the vendor portal host shared by both API generations.
const DefaultBaseURL = "https://api3.stromer-portal.ch"

// Generation selects one of the two incompatible vendor API URL sets.
type Generation string

const (
	// GenerationV3 is the legacy API; it requires a client secret.
	GenerationV3 Generation = "v3"
	// GenerationV4 is the current OAuth-only API.
	GenerationV4 Generation = "v4"
)

// GenerationFor picks the legacy generation when a client secret is present.
func GenerationFor(clientSecret string) Generation {
	if strings.TrimSpace(clientSecret) != "" {
		return GenerationV3
	}
	return GenerationV4
}

func (g Generation) LoginPath() string {
	if g == GenerationV3 {
		return "/users/login/"
	}
	return "/mobile/v4/login/"
}

func (g Generation) TokenPath() string {
	if g == GenerationV3 {
		return "/o/token/"
	}
	return "/mobile/v4/o/token/"
}

// DataPrefix is the root of the bike resource paths.
func (g Generation) DataPrefix() string {
	if g == GenerationV3 {
		return "/rapi/mobile/v2"
	}
	return "/rapi/mobile/v4.1"
}

func (g Generation) Valid() bool {
	return g == GenerationV3 || g == GenerationV4
}
