// Package redact masks personally identifiable information in free text and
// JSON documents before they reach logs or the audit trail.
package redact

import (
	"encoding/json"
	"net"
	"regexp"
	"strings"
)

const mask = "***REDACTED***"

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)
)

// Redactor masks PII. The zero value is not usable; call New.
type Redactor struct {
	enabled bool
}

// New returns a redactor. When enabled is false every method returns its
// input unchanged, which keeps call sites unconditional.
func New(enabled bool) *Redactor {
	return &Redactor{enabled: enabled}
}

// Text scans free text for regex-detectable PII and masks each match. It
// never fails regardless of input.
func (r *Redactor) Text(s string) string {
	if !r.enabled || s == "" {
		return s
	}
	s = emailRe.ReplaceAllStringFunc(s, maskEmail)
	s = ssnRe.ReplaceAllString(s, mask)
	s = cardRe.ReplaceAllString(s, mask)
	s = phoneRe.ReplaceAllStringFunc(s, maskPhone)
	return s
}

// JSON performs a structural scan of a JSON document keyed by well-known
// field names, then runs the free-text scan over the result to catch
// un-keyed matches. Unparseable input degrades to free-text mode.
func (r *Redactor) JSON(raw []byte) []byte {
	if !r.enabled || len(raw) == 0 {
		return raw
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []byte(r.Text(string(raw)))
	}
	doc = r.walk("", doc)
	out, err := json.Marshal(doc)
	if err != nil {
		return []byte(r.Text(string(raw)))
	}
	return []byte(r.Text(string(out)))
}

// Value redacts an arbitrary decoded JSON value (maps, slices, scalars).
func (r *Redactor) Value(v interface{}) interface{} {
	if !r.enabled {
		return v
	}
	return r.walk("", v)
}

func (r *Redactor) walk(key string, v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			out[k] = r.walk(k, child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = r.walk(key, child)
		}
		return out
	case string:
		if fn := fieldRedactor(key); fn != nil {
			return fn(t)
		}
		return r.Text(t)
	default:
		return v
	}
}

// fieldRedactor returns the masking function for a sensitive field name, or
// nil when the field is not in the well-known list.
func fieldRedactor(field string) func(string) string {
	f := strings.ToLower(field)
	switch {
	case strings.HasPrefix(f, "email"):
		return maskEmail
	case strings.HasPrefix(f, "phone"):
		return maskPhone
	case strings.HasPrefix(f, "address"), strings.HasPrefix(f, "streetaddress"):
		return maskAll
	case f == "ssn", f == "taxid", f == "dob", f == "dateofbirth":
		return maskAll
	case f == "password", f == "secret", f == "token", f == "apikey",
		f == "clientsecret", f == "accesstoken", f == "refreshtoken":
		return maskAll
	case strings.HasPrefix(f, "ip"):
		return maskIP
	case f == "postalcode", f == "zipcode", f == "zip":
		return maskPostal
	default:
		return nil
	}
}

func maskAll(string) string { return mask }

// maskEmail keeps the first and last character of the local part plus the
// full domain: jane.doe@example.com -> j***e@example.com.
func maskEmail(s string) string {
	at := strings.LastIndex(s, "@")
	if at <= 0 {
		return mask
	}
	local, domain := s[:at], s[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + "@" + domain
}

// maskPhone keeps the last 4 digits.
func maskPhone(s string) string {
	var digits []rune
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) < 4 {
		return mask
	}
	return "***-***-" + string(digits[len(digits)-4:])
}

// maskIP keeps the first two octets of IPv4; IPv6 is fully masked.
func maskIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return mask
	}
	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".*.*"
	}
	return mask
}

// maskPostal keeps the leading 3 characters.
func maskPostal(s string) string {
	if len(s) <= 3 {
		return s
	}
	return s[:3] + strings.Repeat("*", len(s)-3)
}
