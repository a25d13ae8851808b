package embed

import (
	"encoding/json"
	"strings"

	"github.com/profilekit/enrichd/pkg/models"
)

// textFields are the snapshot fields indexed for search, in presentation
// order. The transformer output contract is loose, so absent fields are
// simply skipped.
var textFields = []string{
	"name",
	"headline",
	"title",
	"summary",
	"bio",
	"about",
}

// listFields are string-array fields appended after the scalar text fields.
var listFields = []string{
	"skills",
	"keywords",
}

// DeriveText flattens the searchable parts of a snapshot into one
// whitespace-joined string. Returns "" when the snapshot has nothing worth
// indexing, which callers treat as a skip.
func DeriveText(snapshot models.ProfileSnapshot) string {
	if len(snapshot) == 0 {
		return ""
	}

	var parts []string
	for _, field := range textFields {
		if v := strings.TrimSpace(snapshot.StringField(field)); v != "" {
			parts = append(parts, v)
		}
	}
	for _, field := range listFields {
		raw := snapshot.Field(field)
		if raw == nil {
			continue
		}
		var items []string
		if err := json.Unmarshal(raw, &items); err != nil {
			continue
		}
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				parts = append(parts, item)
			}
		}
	}

	return strings.Join(parts, " ")
}
