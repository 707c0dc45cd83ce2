package arc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-msgauth/authres"
)

// ChainValidationStatus represents the chain validation status (cv= tag).
type ChainValidationStatus string

const (
	// ChainValidationNone indicates no prior ARC chain.
	ChainValidationNone ChainValidationStatus = "none"

	// ChainValidationPass indicates the prior ARC chain validated.
	ChainValidationPass ChainValidationStatus = "pass"

	// ChainValidationFail indicates the prior ARC chain failed validation.
	ChainValidationFail ChainValidationStatus = "fail"
)

// MaxInstance is the maximum allowed ARC instance number per RFC 8617.
const MaxInstance = 50

var (
	ErrSyntax          = errors.New("arc: syntax error")
	ErrMissingTag      = errors.New("arc: missing required tag")
	ErrInvalidInstance = errors.New("arc: invalid instance number")
)

// Info summarizes the ARC headers of a message.
type Info struct {
	Present bool

	// Instances is the number of distinct ARC sets seen.
	Instances int

	// Signer and ChainValidation come from the ARC-Seal with the highest
	// instance number.
	Signer          string
	ChainValidation ChainValidationStatus

	// AuthServID and Results come from the ARC-Authentication-Results of
	// the same instance. Results is nil when they could not be parsed.
	AuthServID string
	Results    []authres.Result

	// AuthenticationResults is the raw value of that header, without i=.
	AuthenticationResults string
}

// Inspect summarizes ARC-Seal and ARC-Authentication-Results header
// values (without header names). Headers that cannot be parsed are
// skipped; Present is true as soon as any ARC-Seal exists.
func Inspect(seals, authResults []string) Info {
	info := Info{Present: len(seals) > 0}
	if !info.Present {
		return info
	}

	instances := make(map[int]bool)
	var newest *Seal
	for _, v := range seals {
		s, err := ParseSeal(v)
		if err != nil {
			continue
		}
		instances[s.Instance] = true
		if newest == nil || s.Instance > newest.Instance {
			newest = s
		}
	}
	info.Instances = len(instances)
	if newest == nil {
		return info
	}
	info.Signer = newest.Domain
	info.ChainValidation = newest.ChainValidation

	for _, v := range authResults {
		aar, err := ParseAuthenticationResults(v)
		if err != nil || aar.Instance != newest.Instance {
			continue
		}
		info.AuthServID = aar.AuthServID
		info.Results = aar.Results
		info.AuthenticationResults = aar.Raw
		break
	}
	return info
}

// Seal holds the informational tags of an ARC-Seal header.
type Seal struct {
	Instance        int
	Algorithm       string
	Domain          string
	Selector        string
	ChainValidation ChainValidationStatus
	Timestamp       int64
}

// ParseSeal parses an ARC-Seal header value. The signature itself is not
// decoded.
func ParseSeal(value string) (*Seal, error) {
	tags, err := parseTags(value)
	if err != nil {
		return nil, err
	}
	for _, t := range []string{"i", "a", "b", "cv", "d", "s"} {
		if _, ok := tags[t]; !ok {
			return nil, fmt.Errorf("%w: %s=", ErrMissingTag, t)
		}
	}

	seal := &Seal{
		Algorithm: strings.ToLower(tags["a"]),
		Domain:    strings.ToLower(tags["d"]),
		Selector:  tags["s"],
		Timestamp: -1,
	}
	if seal.Instance, err = parseInstance(tags["i"]); err != nil {
		return nil, err
	}
	switch cv := ChainValidationStatus(strings.ToLower(tags["cv"])); cv {
	case ChainValidationNone, ChainValidationPass, ChainValidationFail:
		seal.ChainValidation = cv
	default:
		return nil, fmt.Errorf("%w: invalid cv= value: %s", ErrSyntax, tags["cv"])
	}
	if t, ok := tags["t"]; ok {
		if seal.Timestamp, err = strconv.ParseInt(t, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: invalid t= tag: %v", ErrSyntax, err)
		}
	}
	return seal, nil
}

// AuthenticationResults is a parsed ARC-Authentication-Results header.
type AuthenticationResults struct {
	Instance   int
	AuthServID string
	Results    []authres.Result

	// Raw is the value after the i= tag.
	Raw string
}

// ParseAuthenticationResults parses an ARC-Authentication-Results value of
// the form "i=N; authserv-id; results".
func ParseAuthenticationResults(value string) (*AuthenticationResults, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(strings.ToLower(value), "i=") {
		return nil, fmt.Errorf("%w: missing i= tag in ARC-Authentication-Results", ErrSyntax)
	}
	inst, rest, ok := strings.Cut(value[2:], ";")
	if !ok {
		return nil, fmt.Errorf("%w: missing semicolon in ARC-Authentication-Results", ErrSyntax)
	}
	instance, err := parseInstance(strings.TrimSpace(inst))
	if err != nil {
		return nil, err
	}

	aar := &AuthenticationResults{Instance: instance, Raw: strings.TrimSpace(rest)}
	id, results, err := authres.Parse(aar.Raw)
	if err != nil {
		// Keep the authserv-id even when a result does not parse.
		id, _, _ = strings.Cut(aar.Raw, ";")
		aar.AuthServID = strings.TrimSpace(id)
		return aar, nil
	}
	aar.AuthServID = id
	aar.Results = results
	return aar, nil
}

func parseInstance(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid i= tag: %v", ErrSyntax, err)
	}
	if n < 1 || n > MaxInstance {
		return 0, fmt.Errorf("%w: instance %d out of range", ErrInvalidInstance, n)
	}
	return n, nil
}

// parseTags parses the tag=value pairs of a header value.
func parseTags(value string) (map[string]string, error) {
	tags := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, exists := tags[name]; exists {
			return nil, fmt.Errorf("%w: duplicate tag %s", ErrSyntax, name)
		}
		tags[name] = strings.TrimSpace(val)
	}
	return tags, nil
}
