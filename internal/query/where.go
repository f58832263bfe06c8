package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openregio/regiomap/internal/catalog"
)

// searchableFieldTypes are the declared field types a text search can match.
var searchableFieldTypes = map[string]bool{
	"esriFieldTypeString":       true,
	"esriFieldTypeSmallInteger": true,
	"esriFieldTypeInteger":      true,
	"esriFieldTypeSingle":       true,
	"esriFieldTypeDouble":       true,
	"esriFieldTypeOID":          true,
	"esriFieldTypeGlobalID":     false,
	"esriFieldTypeGeometry":     false,
	"esriFieldTypeBlob":         false,
	"esriFieldTypeRaster":       false,
	"esriFieldTypeDate":         false,
	"esriFieldTypeXML":          false,
}

func isStringField(t string) bool { return t == "esriFieldTypeString" }

// buildWhere constructs a filter expression that matches text across the
// layer's searchable fields, scoped to the user's chosen subset when that
// subset is non-empty. String fields match case-insensitively by substring;
// numeric fields match by exact equality and only when the text parses as a
// number. An empty return means no field qualifies and the caller should
// fall back to a generic query.
func buildWhere(fields []catalog.Field, chosen []string, text string) string {
	chosenSet := make(map[string]bool, len(chosen))
	for _, name := range chosen {
		chosenSet[name] = true
	}

	numeric, isNumeric := parseNumeric(text)
	escaped := escapeLiteral(strings.ToUpper(text))

	var clauses []string
	for _, f := range fields {
		if !searchableFieldTypes[f.Type] {
			continue
		}
		if len(chosenSet) > 0 && !chosenSet[f.Name] {
			continue
		}
		if isStringField(f.Type) {
			clauses = append(clauses, fmt.Sprintf("UPPER(%s) LIKE '%%%s%%'", f.Name, escaped))
		} else if isNumeric {
			clauses = append(clauses, fmt.Sprintf("%s = %s", f.Name, numeric))
		}
	}
	return strings.Join(clauses, " OR ")
}

// parseNumeric reports whether text is a number and returns its canonical
// form for use in a filter expression.
func parseNumeric(text string) (string, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(v, 'f', -1, 64), true
}

// escapeLiteral doubles single quotes for embedding in a filter literal.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// displayNameKeys are attribute names tried in order when deriving a
// result's display name. The regional services mix English and German
// attribute naming.
var displayNameKeys = []string{
	"name", "bezeichnung", "gemname", "title", "label", "strasse", "objektname", "beschreibung",
}

// displayValues derives a display name and a secondary display value from a
// feature's attributes. fallback is used when no attribute qualifies.
func displayValues(attrs map[string]any, fallback string) (name, detail string) {
	lower := make(map[string]string, len(attrs))
	var stringKeys []string
	for k, v := range attrs {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		lower[strings.ToLower(k)] = s
		stringKeys = append(stringKeys, k)
	}

	for _, key := range displayNameKeys {
		if v, ok := lower[key]; ok {
			name = v
			break
		}
	}
	if name == "" {
		// Deterministic fallback: first qualifying attribute in sorted
		// key order.
		best := ""
		for _, k := range stringKeys {
			if isIdentifierKey(k) {
				continue
			}
			if best == "" || k < best {
				best = k
			}
		}
		if best != "" {
			name = attrs[best].(string)
		}
	}
	if name == "" {
		name = fallback
	}

	// Secondary value: the first preferred key that did not become the name.
	for _, key := range displayNameKeys {
		if v, ok := lower[key]; ok && v != name {
			detail = v
			break
		}
	}
	return name, detail
}

// isIdentifierKey filters id-ish attributes out of display-name selection.
func isIdentifierKey(k string) bool {
	lk := strings.ToLower(k)
	return lk == "objectid" || lk == "fid" || lk == "oid" || lk == "globalid" ||
		strings.HasSuffix(lk, "_id") || strings.HasPrefix(lk, "id_")
}

// featureID synthesizes a catalog-wide feature id from the remote object id,
// falling back to the feature's position in the response.
func featureID(layerID string, attrs map[string]any, position int) string {
	for _, key := range []string{"OBJECTID", "objectid", "FID", "fid", "OID"} {
		if v, ok := attrs[key]; ok {
			switch id := v.(type) {
			case float64:
				return fmt.Sprintf("%s:%d", layerID, int64(id))
			case string:
				return fmt.Sprintf("%s:%s", layerID, id)
			}
		}
	}
	return fmt.Sprintf("%s:pos-%d", layerID, position)
}
