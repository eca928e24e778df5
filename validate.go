package acme

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

const (
	maxDomainLength = 253
	maxLabelLength  = 63
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// reservedNames collide with directories of the on-disk store layout.
var reservedNames = map[string]bool{"backup": true}

// ValidateDomain checks that s is a DNS hostname usable in a certificate and
// returns it in canonical form: ASCII (punycode), lower case, no trailing dot.
// A leading "*." wildcard label is allowed.
func ValidateDomain(s string) (string, error) {
	return validateDomainField("domain", s)
}

func validateDomainField(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "", &ValidationError{Field: field, Reason: "must not be empty"}
	}

	wildcard := strings.HasPrefix(s, "*.")
	host := strings.TrimPrefix(s, "*.")

	if !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", &ValidationError{Field: field, Reason: fmt.Sprintf("invalid internationalized name %q", s)}
		}
		host = ascii
	}
	host = strings.ToLower(host)

	if wildcard {
		s = "*." + host
	} else {
		s = host
	}
	if len(s) > maxDomainLength {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d characters", maxDomainLength)}
	}

	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a fully qualified domain name", s)}
	}
	for _, label := range labels {
		if reason := checkLabel(label); reason != "" {
			return "", &ValidationError{Field: field, Reason: fmt.Sprintf("%q: %s", s, reason)}
		}
	}
	if isNumeric(labels[len(labels)-1]) {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("%q: IP addresses are not allowed", s)}
	}

	return s, nil
}

func checkLabel(label string) string {
	if label == "" {
		return "empty label"
	}
	if len(label) > maxLabelLength {
		return fmt.Sprintf("label longer than %d characters", maxLabelLength)
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return fmt.Sprintf("invalid character %q", c)
		}
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return "label must not start or end with a hyphen"
	}
	return ""
}

// ValidateDomains validates every entry of list and rejects case-insensitive
// duplicates. All failures are reported together as ValidationErrors. An
// empty list is an error only when required is set.
func ValidateDomains(list []string, required bool) ([]string, error) {
	return validateDomainList("domains", list, required, nil)
}

// validateDomainList validates list, treating the names in seen as already
// taken (used to reject an additional domain equal to the primary one).
func validateDomainList(field string, list []string, required bool, seen map[string]bool) ([]string, error) {
	var errs ValidationErrors
	if len(list) == 0 {
		if required {
			errs = append(errs, &ValidationError{Field: field, Reason: "at least one domain is required"})
		}
		return nil, errs.orNil()
	}
	if seen == nil {
		seen = make(map[string]bool, len(list))
	}

	out := make([]string, 0, len(list))
	for i, raw := range list {
		entry := fmt.Sprintf("%s[%d]", field, i)
		domain, err := validateDomainField(entry, raw)
		if err != nil {
			errs = append(errs, err.(*ValidationError))
			continue
		}
		if seen[domain] {
			errs = append(errs, &ValidationError{Field: entry, Reason: fmt.Sprintf("duplicate domain %q", domain)})
			continue
		}
		seen[domain] = true
		out = append(out, domain)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// ValidateEmail performs a syntactic check of a bare email address. There is
// no deliverability check.
func ValidateEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ValidationError{Field: "email", Reason: "must not be empty"}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return "", &ValidationError{Field: "email", Reason: fmt.Sprintf("%q is not a valid email address", s)}
	}
	at := strings.LastIndexByte(s, '@')
	domain, err := validateDomainField("email", s[at+1:])
	if err != nil {
		return "", &ValidationError{Field: "email", Reason: fmt.Sprintf("%q has an invalid domain", s)}
	}
	return s[:at+1] + domain, nil
}

// ValidateName checks a certificate name. Names become directory names in
// the store, so only a path-safe subset is accepted.
func ValidateName(s string) error {
	if s == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !nameRe.MatchString(s) {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("%q must match %s", s, nameRe.String())}
	}
	if reservedNames[strings.ToLower(s)] {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("%q is reserved", s)}
	}
	return nil
}

// Validate checks the whole request and returns a normalized copy. Every
// failing field is reported.
func (r CertificateRequest) Validate() (CertificateRequest, error) {
	var errs ValidationErrors
	out := CertificateRequest{Name: r.Name}

	if err := ValidateName(r.Name); err != nil {
		errs = append(errs, err.(*ValidationError))
	}

	seen := make(map[string]bool)
	primary, err := validateDomainField("primary_domain", r.PrimaryDomain)
	if err != nil {
		errs = append(errs, err.(*ValidationError))
	} else {
		seen[primary] = true
		out.PrimaryDomain = primary
	}

	additional, err := validateDomainList("additional_domains", r.AdditionalDomains, false, seen)
	if err != nil {
		errs = append(errs, err.(ValidationErrors)...)
	} else {
		out.AdditionalDomains = additional
	}

	email, err := ValidateEmail(r.Email)
	if err != nil {
		errs = append(errs, err.(*ValidationError))
	} else {
		out.Email = email
	}

	if len(errs) > 0 {
		return CertificateRequest{}, errs
	}
	return out, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
