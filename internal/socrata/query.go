package socrata

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Mode selects how the contractor term is matched against the dataset.
type Mode string

const (
	// ModeExactOrComposed matches the exact name or composed names that
	// contain the term as a whole constituent word.
	ModeExactOrComposed Mode = "exact_or_composed"
	// ModeContains is a plain case-insensitive substring match.
	ModeContains Mode = "contains"
	// ModeStartsWith is a case-insensitive prefix match.
	ModeStartsWith Mode = "starts_with"
)

// ParseMode validates a user-supplied mode string. Empty selects the
// default; anything unrecognized is rejected before any upstream work.
func ParseMode(s string, def Mode) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case ModeExactOrComposed:
		return ModeExactOrComposed, nil
	case ModeContains:
		return ModeContains, nil
	case ModeStartsWith:
		return ModeStartsWith, nil
	default:
		return "", fmt.Errorf("unknown search mode %q", s)
	}
}

// Characters allowed in a contractor term: alphanumerics, spaces, dots and
// Spanish letters. Everything else is meaningful to SoQL or HTML and is
// stripped before the term reaches a filter expression.
var disallowedChars = regexp.MustCompile(`[^a-zA-Z0-9\sñÑáéíóúÁÉÍÓÚ\.]`)

// CleanTerm sanitizes a raw search term.
func CleanTerm(s string) string {
	return strings.TrimSpace(disallowedChars.ReplaceAllString(s, ""))
}

// escapeSoQL escapes single quotes, the only string delimiter in SoQL.
func escapeSoQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// removeAccents folds accent marks for accent-insensitive lookups.
func removeAccents(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// QueryBuilder turns a sanitized term into SoQL filter expressions.
type QueryBuilder struct {
	Mode     Mode
	Unaccent bool
}

// Where builds a SARGable filter for the year window plus the contractor
// match expression.
func (q QueryBuilder) Where(cols ColumnMap, term string, year int) string {
	startDate := fmt.Sprintf("%d-01-01T00:00:00", year)
	endDate := fmt.Sprintf("%d-12-31T23:59:59", year)

	field := fmt.Sprintf("upper(%s)", cols.Contractor)
	upperTerm := strings.ToUpper(term)
	if q.Unaccent {
		field = fmt.Sprintf("upper(unaccent(%s))", cols.Contractor)
		upperTerm = strings.ToUpper(removeAccents(term))
	}
	safe := escapeSoQL(upperTerm)

	var searchExpr string
	switch q.Mode {
	case ModeStartsWith:
		searchExpr = fmt.Sprintf("starts_with(%s, '%s')", field, safe)
	case ModeContains:
		searchExpr = fmt.Sprintf("contains(%s, '%s')", field, safe)
	default:
		searchExpr = composedExpr(field, safe)
	}

	return fmt.Sprintf("%s BETWEEN '%s' AND '%s' AND (%s)", cols.Date, startDate, endDate, searchExpr)
}

// composedExpr matches the exact term or composed names that include it
// behind common word boundaries. A bare substring match would also hit
// unrelated names sharing a character run, which is exactly what this mode
// must not do.
func composedExpr(field, safe string) string {
	clauses := []string{
		fmt.Sprintf("%s = '%s'", field, safe),
		fmt.Sprintf("starts_with(%s, '%s ')", field, safe),
	}
	for _, pattern := range []string{
		" %s ", " %s", "%s ",
		"%s-", "-%s",
		"%s.", ".%s",
		"%s,", ",%s",
		"(%s", "%s)",
		"%s/", "/%s",
	} {
		clauses = append(clauses, fmt.Sprintf("contains(%s, '%s')", field, fmt.Sprintf(pattern, safe)))
	}
	return strings.Join(clauses, " OR ")
}

// RowsParams builds the query parameters for a rows request. The url column
// is selected through its nested subfield by default; some datasets expose
// it as a plain string instead, which the client retries with nestedURL
// false.
func RowsParams(cols ColumnMap, where string, limit int, nestedURL bool) url.Values {
	urlExpr := cols.URL
	if nestedURL {
		urlExpr = cols.URL + ".url"
	}
	if limit < 1 {
		limit = 1
	}

	selectFields := []string{
		cols.ContractID + " as id_contrato",
		cols.Entity + " as entidad",
		cols.Object + " as objeto",
		cols.Value + " as valor",
		cols.Contractor + " as contratista",
		cols.Date + " as fecha",
		urlExpr + " as url",
		":id as row_id",
	}

	params := url.Values{}
	params.Set("$select", strings.Join(selectFields, ","))
	params.Set("$where", where)
	params.Set("$limit", strconv.Itoa(limit))
	params.Set("$order", fmt.Sprintf("%s DESC, :id DESC", cols.Date))
	return params
}

// CountParams builds the query parameters for a count request.
func CountParams(where string) url.Values {
	params := url.Values{}
	params.Set("$select", "count(*) as total")
	params.Set("$where", where)
	params.Set("$limit", "1")
	return params
}
