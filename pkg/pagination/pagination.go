// Package pagination clamps client-supplied page sizes before they reach
// upstream FHIR queries.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	// DefaultCount matches the upstream sandbox default page size.
	DefaultCount = 5
	MaxCount     = 100
)

// Params holds the page size extracted from a request.
type Params struct {
	Count int
}

// FromContext reads the page size from the echo context, accepting the native
// `count` parameter and the FHIR-style `_count` alias. Missing or malformed
// values fall back to DefaultCount.
func FromContext(c echo.Context) Params {
	count, _ := strconv.Atoi(c.QueryParam("count"))
	if count <= 0 {
		count, _ = strconv.Atoi(c.QueryParam("_count"))
	}
	return Params{Count: Clamp(count)}
}

// Clamp bounds a raw count to (0, MaxCount], substituting DefaultCount for
// non-positive values.
func Clamp(count int) int {
	if count <= 0 {
		return DefaultCount
	}
	if count > MaxCount {
		return MaxCount
	}
	return count
}
