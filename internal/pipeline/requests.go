package pipeline

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// CreateRequest creates a job. Supplying a manual title and text skips fetch
// and extract; both must then be present.
type CreateRequest struct {
	URL         string `json:"url" validate:"required,url,max=2048"`
	ManualTitle string `json:"manual_title,omitempty" validate:"required_with=ManualText,max=500"`
	ManualText  string `json:"manual_text,omitempty" validate:"required_with=ManualTitle"`
}

// Manual reports whether the request carries manual content.
func (r *CreateRequest) Manual() bool {
	return strings.TrimSpace(r.ManualTitle) != "" || strings.TrimSpace(r.ManualText) != ""
}

// Validate checks field constraints. minText is the minimum manual text length
// in characters.
func (r *CreateRequest) Validate(minText int) error {
	r.URL = strings.TrimSpace(r.URL)
	r.ManualTitle = strings.TrimSpace(r.ManualTitle)
	r.ManualText = strings.TrimSpace(r.ManualText)
	if err := validate.Struct(r); err != nil {
		return validationError(err)
	}
	if r.Manual() {
		return checkTextLength("manual_text", r.ManualText, minText)
	}
	return nil
}

// SupplyContentRequest replaces a job's extracted content.
type SupplyContentRequest struct {
	Title string `json:"title" validate:"required,max=500"`
	Text  string `json:"text" validate:"required"`
}

// Validate checks field constraints. minText is the minimum text length in characters.
func (r *SupplyContentRequest) Validate(minText int) error {
	r.Title = strings.TrimSpace(r.Title)
	r.Text = strings.TrimSpace(r.Text)
	if err := validate.Struct(r); err != nil {
		return validationError(err)
	}
	return checkTextLength("text", r.Text, minText)
}

func checkTextLength(field, text string, minText int) error {
	if n := utf8.RuneCountInString(text); n < minText {
		return &ValidationError{Fields: map[string]string{
			field: "must be at least " + strconv.Itoa(minText) + " characters",
		}}
	}
	return nil
}

// jsonName converts a Go field name to its snake_case JSON name.
func jsonName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if unicode.IsUpper(r) {
			if i > 0 && !unicode.IsUpper(rune(field[i-1])) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
