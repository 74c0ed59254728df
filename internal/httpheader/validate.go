package httpheader

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ValidateMap checks configured header pairs before they are attached to
// outgoing requests. Names listed in reserved are owned by the transport
// and may not be overridden. Keys are checked in sorted order so the first
// reported error is stable.
func ValidateMap(headers map[string]string, reserved ...string) error {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, rawName := range names {
		name := strings.TrimSpace(rawName)
		if name == "" {
			return fmt.Errorf("header name must not be empty")
		}
		if rawName != name {
			return fmt.Errorf("header %q has leading or trailing whitespace", rawName)
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("header %q has invalid field name", name)
		}
		if !httpguts.ValidHeaderFieldValue(headers[rawName]) {
			return fmt.Errorf("header %q has invalid field value", name)
		}
		canonical := http.CanonicalHeaderKey(name)
		for _, r := range reserved {
			if canonical == http.CanonicalHeaderKey(r) {
				return fmt.Errorf("header %q is set by the exporter and cannot be overridden", name)
			}
		}
	}
	return nil
}
