package core

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"strings"

	berrors "github.com/vaultca/vaultca/errors"
)

// oidEmailAddress is the PKCS#9 emailAddress attribute, rendered as "E".
var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Subject holds the distinguished name fields a certificate request may
// carry. Empty fields are omitted from both the encoded name and its string
// form.
type Subject struct {
	CommonName         string `yaml:"common-name" json:"commonName,omitempty"`
	Organization       string `yaml:"organization" json:"organization,omitempty"`
	OrganizationalUnit string `yaml:"organizational-unit" json:"organizationalUnit,omitempty"`
	Locality           string `yaml:"locality" json:"locality,omitempty"`
	State              string `yaml:"state" json:"state,omitempty"`
	Country            string `yaml:"country" json:"country,omitempty"`
	Email              string `yaml:"email" json:"email,omitempty"`
}

// IsEmpty reports whether no field is set.
func (s Subject) IsEmpty() bool {
	return s == Subject{}
}

// Name converts s to a pkix.Name. encoding/asn1 emits the RDNs in the order
// C, ST, L, O, OU, CN and appends the email attribute last.
func (s Subject) Name() pkix.Name {
	var n pkix.Name
	if s.Country != "" {
		n.Country = []string{s.Country}
	}
	if s.State != "" {
		n.Province = []string{s.State}
	}
	if s.Locality != "" {
		n.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		n.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		n.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	n.CommonName = s.CommonName
	if s.Email != "" {
		n.ExtraNames = []pkix.AttributeTypeAndValue{{Type: oidEmailAddress, Value: s.Email}}
	}
	return n
}

// String renders s as "C=.., ST=.., L=.., O=.., OU=.., CN=.., E=..",
// dropping empty components.
func (s Subject) String() string {
	parts := make([]string, 0, 7)
	for _, f := range []struct{ key, val string }{
		{"C", s.Country},
		{"ST", s.State},
		{"L", s.Locality},
		{"O", s.Organization},
		{"OU", s.OrganizationalUnit},
		{"CN", s.CommonName},
		{"E", s.Email},
	} {
		if f.val == "" {
			continue
		}
		parts = append(parts, f.key+"="+escapeDNValue(f.val))
	}
	return strings.Join(parts, ", ")
}

// SubjectFromName extracts the supported fields from a pkix.Name. Only the
// first value of multi-valued attributes is kept.
func SubjectFromName(n pkix.Name) Subject {
	first := func(v []string) string {
		if len(v) == 0 {
			return ""
		}
		return v[0]
	}
	s := Subject{
		CommonName:         n.CommonName,
		Organization:       first(n.Organization),
		OrganizationalUnit: first(n.OrganizationalUnit),
		Locality:           first(n.Locality),
		State:              first(n.Province),
		Country:            first(n.Country),
	}
	for _, atv := range append(n.Names, n.ExtraNames...) {
		if atv.Type.Equal(oidEmailAddress) {
			if v, ok := atv.Value.(string); ok {
				s.Email = v
			}
		}
	}
	return s
}

// ParseSubject parses a comma separated DN string such as
// "C=IT, ST=Trentino, L=Bolzano, O=SIAG, OU=SIAG, CN=SIAG". Values use the
// RFC 4514 escapes: a backslash followed by a special character or by two hex
// digits. Unescaped spaces around keys and values are ignored.
func ParseSubject(dn string) (Subject, error) {
	attrs, err := splitDN(dn)
	if err != nil {
		return Subject{}, err
	}
	var s Subject
	for _, a := range attrs {
		var field *string
		switch strings.ToUpper(a.key) {
		case "C":
			field = &s.Country
		case "ST", "S":
			field = &s.State
		case "L":
			field = &s.Locality
		case "O":
			field = &s.Organization
		case "OU":
			field = &s.OrganizationalUnit
		case "CN":
			field = &s.CommonName
		case "E", "EMAIL", "EMAILADDRESS":
			field = &s.Email
		default:
			return Subject{}, berrors.MalformedError("unsupported DN attribute %q", a.key)
		}
		if *field != "" {
			return Subject{}, berrors.MalformedError("DN attribute %q given more than once", a.key)
		}
		*field = a.val
	}
	return s, nil
}

type dnAttr struct {
	key string
	val string
}

// splitDN tokenizes dn into key/value pairs, resolving escapes in values.
// Empty components are skipped.
func splitDN(dn string) ([]dnAttr, error) {
	var attrs []dnAttr
	var key, val []byte
	inValue := false
	// keep is the length of val through its last escaped or non-space byte.
	keep := 0
	flush := func() error {
		k := strings.TrimSpace(string(key))
		if inValue {
			attrs = append(attrs, dnAttr{key: k, val: string(val[:keep])})
		} else if k != "" {
			return berrors.MalformedError("DN component %q has no '='", k)
		}
		key, val, inValue, keep = nil, nil, false, 0
		return nil
	}
	for i := 0; i < len(dn); i++ {
		c := dn[i]
		switch {
		case c == '\\' && inValue:
			if i+1 == len(dn) {
				return nil, berrors.MalformedError("DN ends in an unfinished escape")
			}
			if i+2 < len(dn) && isHexDigit(dn[i+1]) && isHexDigit(dn[i+2]) {
				b, _ := hex.DecodeString(dn[i+1 : i+3])
				val = append(val, b[0])
				i += 2
			} else {
				val = append(val, dn[i+1])
				i++
			}
			keep = len(val)
		case c == ',':
			err := flush()
			if err != nil {
				return nil, err
			}
		case !inValue && c == '=':
			inValue = true
		case !inValue:
			key = append(key, c)
		case c == ' ' && len(val) == 0:
			// Leading space.
		default:
			val = append(val, c)
			if c != ' ' {
				keep = len(val)
			}
		}
	}
	err := flush()
	if err != nil {
		return nil, err
	}
	return attrs, nil
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// escapeDNValue applies the RFC 4514 escapes ParseSubject undoes.
func escapeDNValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case strings.IndexByte(`\,+"<>;`, c) >= 0,
			c == '#' && i == 0,
			c == ' ' && (i == 0 || i == len(v)-1):
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Validate checks the field lengths RFC 5280's upper bounds impose.
func (s Subject) Validate() error {
	if s.IsEmpty() {
		return berrors.MalformedError("subject must have at least one field")
	}
	if s.Country != "" && len(s.Country) != 2 {
		return berrors.MalformedError("country must be a two letter code, got %q", s.Country)
	}
	for _, f := range []struct {
		name string
		val  string
		max  int
	}{
		{"common name", s.CommonName, 64},
		{"organization", s.Organization, 64},
		{"organizational unit", s.OrganizationalUnit, 64},
		{"locality", s.Locality, 128},
		{"state", s.State, 128},
		{"email", s.Email, 255},
	} {
		if len(f.val) > f.max {
			return berrors.MalformedError("%s longer than %d characters", f.name, f.max)
		}
	}
	return nil
}
