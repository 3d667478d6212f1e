package extract

import (
	"regexp"
	"strings"
)

// Segment patterns for path normalization, checked in order. A canonical
// UUID must be tested before the generic hex patterns or its hex groups
// would never match as :uuid.
var (
	reDigits  = regexp.MustCompile(`^\d+$`)
	reUUID    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	reHex24   = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	reHexLong = regexp.MustCompile(`^[0-9a-fA-F]{32,}$`)
)

// NormalizePath rewrites high-cardinality path segments to placeholders
// so http-client targets stay bounded:
//
//	/users/12345           → /users/:id
//	/items/<uuid>          → /items/:uuid
//	/docs/<24-hex>         → /docs/:id
//	/auth/<32+ hex>        → /auth/:token
//
// All other segments pass through unchanged. The empty path becomes "/".
// Normalization is idempotent: placeholders never match any pattern.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		switch {
		case reDigits.MatchString(seg):
			segments[i] = ":id"
		case reUUID.MatchString(seg):
			segments[i] = ":uuid"
		case reHex24.MatchString(seg):
			segments[i] = ":id"
		case reHexLong.MatchString(seg):
			segments[i] = ":token"
		}
	}
	return strings.Join(segments, "/")
}
