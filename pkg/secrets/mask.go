package secrets

import (
	"fmt"
	"net/url"
	"strings"
)

// MaskReference renders a reference safely for logging. URL-shaped
// references keep scheme, host and path but drop the query (which may
// carry field or version selectors). Opaque strings longer than 10
// characters keep the first and last 5 characters.
func MaskReference(ref string) string {
	if idx := strings.Index(ref, "://"); idx > 0 {
		if u, err := url.Parse(ref); err == nil {
			u.RawQuery = ""
			u.Fragment = ""
			return u.String()
		}
		// fall through to opaque masking on parse failure
	}
	if len(ref) > 10 {
		return fmt.Sprintf("%s...%s", ref[:5], ref[len(ref)-5:])
	}
	return ref
}
