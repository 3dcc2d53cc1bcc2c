package opdata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidOperationData reports malformed template metadata, an invalid
// attribute value, or an unparseable canonical string.
var ErrInvalidOperationData = errors.New("opdata: invalid operation data")

// SlotCount is the number of positional attribute slots in a template.
const SlotCount = 5

const (
	separator = '*'
	escape    = '\\'

	dateInputLayout  = "2006-01-02" // yyyy-MM-dd, the only accepted input form
	dateRenderLayout = "20060102"
)

// OperationData is a template header plus up to five positional attributes.
// A nil slot is simply omitted from the canonical string.
type OperationData struct {
	TemplateVersion string // single uppercase letter, e.g. "A"
	TemplateID      int
	Slots           [SlotCount]Attribute
}

// Build renders the full canonical string: the template header followed by
// the non-empty slots in order, separated by '*'.
//
//	A1*A100CZK*ICZ4043000000000238400856*D20170629
func Build(d OperationData) (string, error) {
	if len(d.TemplateVersion) != 1 || d.TemplateVersion[0] < 'A' || d.TemplateVersion[0] > 'Z' {
		return "", fmt.Errorf("%w: template version must be a single uppercase letter", ErrInvalidOperationData)
	}
	if d.TemplateID < 0 {
		return "", fmt.Errorf("%w: negative template id", ErrInvalidOperationData)
	}

	var b strings.Builder
	b.WriteString(d.TemplateVersion)
	b.WriteString(strconv.Itoa(d.TemplateID))

	for i, attr := range d.Slots {
		if attr == nil {
			continue
		}
		token, err := Render(attr)
		if err != nil {
			return "", fmt.Errorf("slot %d: %w", i+1, err)
		}
		b.WriteByte(separator)
		b.WriteString(token)
	}
	return b.String(), nil
}

// Render produces the single-letter-prefixed token for one attribute. It is a
// pure function: identical values always yield identical tokens.
func Render(attr Attribute) (string, error) {
	switch a := attr.(type) {
	case Amount:
		if a.Amount == "" || a.Currency == "" {
			return "", fmt.Errorf("%w: amount and currency are required", ErrInvalidOperationData)
		}
		return "A" + a.Amount + a.Currency, nil
	case AccountIBAN:
		if a.IBAN == "" {
			return "", fmt.Errorf("%w: iban is required", ErrInvalidOperationData)
		}
		if a.BIC != "" {
			return "I" + escapeText(a.IBAN) + "," + escapeText(a.BIC), nil
		}
		return "I" + escapeText(a.IBAN), nil
	case AccountGeneric:
		if a.Account == "" {
			return "", fmt.Errorf("%w: account is required", ErrInvalidOperationData)
		}
		return "Q" + escapeText(a.Account), nil
	case Date:
		t, err := time.Parse(dateInputLayout, a.Date)
		if err != nil {
			return "", fmt.Errorf("%w: date %q does not match yyyy-MM-dd", ErrInvalidOperationData, a.Date)
		}
		return "D" + t.Format(dateRenderLayout), nil
	case Note:
		return "N" + escapeText(a.Text), nil
	case Reference:
		return "R" + escapeText(a.Text), nil
	case Text:
		return "T" + escapeText(a.Text), nil
	default:
		return "", fmt.Errorf("%w: unknown attribute type %T", ErrInvalidOperationData, attr)
	}
}

// Parse is the inverse of Build. It recovers the template metadata and the
// attribute values from a canonical string.
func Parse(s string) (OperationData, error) {
	tokens := splitUnescaped(s, separator)
	if len(tokens) == 0 || tokens[0] == "" {
		return OperationData{}, fmt.Errorf("%w: missing template header", ErrInvalidOperationData)
	}
	if len(tokens) > SlotCount+1 {
		return OperationData{}, fmt.Errorf("%w: more than %d attributes", ErrInvalidOperationData, SlotCount)
	}

	header := tokens[0]
	if len(header) < 2 || header[0] < 'A' || header[0] > 'Z' {
		return OperationData{}, fmt.Errorf("%w: malformed template header %q", ErrInvalidOperationData, header)
	}
	id, err := strconv.Atoi(header[1:])
	if err != nil || id < 0 {
		return OperationData{}, fmt.Errorf("%w: malformed template id %q", ErrInvalidOperationData, header[1:])
	}

	d := OperationData{
		TemplateVersion: header[:1],
		TemplateID:      id,
	}
	for i, token := range tokens[1:] {
		attr, err := parseToken(token)
		if err != nil {
			return OperationData{}, fmt.Errorf("slot %d: %w", i+1, err)
		}
		d.Slots[i] = attr
	}
	return d, nil
}

// AttributeTokens returns the rendered attribute tokens of a canonical
// string, in slot order, without the template header. Digest-based code
// derivation consumes exactly these tokens.
func AttributeTokens(s string) ([]string, error) {
	if _, err := Parse(s); err != nil {
		return nil, err
	}
	tokens := splitUnescaped(s, separator)
	return tokens[1:], nil
}

func parseToken(token string) (Attribute, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty attribute token", ErrInvalidOperationData)
	}
	body := token[1:]
	switch token[0] {
	case 'A':
		// Digits and decimal point form the amount, the trailing letters the
		// currency code.
		i := 0
		for i < len(body) && (body[i] >= '0' && body[i] <= '9' || body[i] == '.') {
			i++
		}
		if i == 0 || i == len(body) {
			return nil, fmt.Errorf("%w: malformed amount token %q", ErrInvalidOperationData, token)
		}
		return Amount{Amount: body[:i], Currency: body[i:]}, nil
	case 'I':
		parts := splitUnescaped(body, ',')
		switch len(parts) {
		case 1:
			return AccountIBAN{IBAN: unescapeText(parts[0])}, nil
		case 2:
			return AccountIBAN{IBAN: unescapeText(parts[0]), BIC: unescapeText(parts[1])}, nil
		default:
			return nil, fmt.Errorf("%w: malformed iban token %q", ErrInvalidOperationData, token)
		}
	case 'Q':
		return AccountGeneric{Account: unescapeText(body)}, nil
	case 'D':
		t, err := time.Parse(dateRenderLayout, body)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed date token %q", ErrInvalidOperationData, token)
		}
		return Date{Date: t.Format(dateInputLayout)}, nil
	case 'N':
		return Note{Text: unescapeText(body)}, nil
	case 'R':
		return Reference{Text: unescapeText(body)}, nil
	case 'T':
		return Text{Text: unescapeText(body)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown attribute tag %q", ErrInvalidOperationData, token[:1])
	}
}

// escapeText protects the token separator and the escape character itself so
// free-form text survives the round trip.
func escapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == separator || s[i] == escape || s[i] == ',' {
			b.WriteByte(escape)
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unescapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == escape && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitUnescaped splits on sep, honoring backslash escapes.
func splitUnescaped(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == escape && i+1 < len(s):
			cur.WriteByte(s[i])
			i++
			cur.WriteByte(s[i])
		case s[i] == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	parts = append(parts, cur.String())
	return parts
}
