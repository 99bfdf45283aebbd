// Package identity models the participant a call belongs to. Parsing never
// fails: unrecognised shapes become KindUnknown.
package identity

import (
	"encoding/json"
	"strings"
	"unicode"
)

type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindPhoneNumber       Kind = "phone_number"
	KindAuthenticatedUser Kind = "authenticated_user"
	KindPlatformUser      Kind = "platform_user"
)

// Identity is a tagged participant identifier. Raw is the provider's original
// string for every kind, Value is the normalised payload (E.164 number or
// user id).
type Identity struct {
	Kind  Kind   `json:"kind"`
	Raw   string `json:"raw,omitempty"`
	Value string `json:"value,omitempty"`
}

func Unknown(raw string) Identity {
	return Identity{Kind: KindUnknown, Raw: raw}
}

func Phone(number string) Identity {
	return Identity{Kind: KindPhoneNumber, Raw: number, Value: number}
}

func (i Identity) IsPhone() bool   { return i.Kind == KindPhoneNumber }
func (i Identity) IsUnknown() bool { return i.Kind == "" || i.Kind == KindUnknown }

// Target returns the string providers address the participant by.
func (i Identity) Target() string {
	if i.Value != "" {
		return i.Value
	}
	return i.Raw
}

func (i Identity) String() string {
	if i.IsUnknown() {
		return string(KindUnknown)
	}
	return string(i.Kind) + ":" + i.Target()
}

var platformPrefixes = []string{"8:orgid:", "8:teamsvisitor:", "8:gcch:", "8:dod:", "sip:"}
var userPrefixes = []string{"client:", "8:acs:", "8:spool:"}

// Parse classifies a raw provider identifier.
func Parse(raw string) Identity {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Unknown(raw)
	}
	if strings.HasPrefix(s, "{") {
		return ParseJSON([]byte(s))
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "4:") {
		s = strings.TrimSpace(s[2:])
	}
	if isE164(s) {
		return Identity{Kind: KindPhoneNumber, Raw: raw, Value: s}
	}
	for _, p := range userPrefixes {
		if strings.HasPrefix(lower, p) && len(s) > len(p) {
			return Identity{Kind: KindAuthenticatedUser, Raw: raw, Value: s[len(p):]}
		}
	}
	for _, p := range platformPrefixes {
		if strings.HasPrefix(lower, p) && len(s) > len(p) {
			return Identity{Kind: KindPlatformUser, Raw: raw, Value: s[len(p):]}
		}
	}
	return Unknown(raw)
}

type wireIdentifier struct {
	Kind        string `json:"kind"`
	RawID       string `json:"rawId"`
	PhoneNumber *struct {
		Value string `json:"value"`
	} `json:"phoneNumber"`
	CommunicationUser *struct {
		ID string `json:"id"`
	} `json:"communicationUser"`
	MicrosoftTeamsUser *struct {
		UserID string `json:"userId"`
	} `json:"microsoftTeamsUser"`
}

// ParseJSON reads the communication identifier object used by ACS events.
func ParseJSON(data []byte) Identity {
	var w wireIdentifier
	if err := json.Unmarshal(data, &w); err != nil {
		return Unknown(string(data))
	}
	switch strings.ToLower(w.Kind) {
	case "phonenumber":
		if w.PhoneNumber != nil && isE164(w.PhoneNumber.Value) {
			return Identity{Kind: KindPhoneNumber, Raw: w.RawID, Value: w.PhoneNumber.Value}
		}
	case "communicationuser":
		if w.CommunicationUser != nil && w.CommunicationUser.ID != "" {
			return Identity{Kind: KindAuthenticatedUser, Raw: w.RawID, Value: w.CommunicationUser.ID}
		}
	case "microsoftteamsuser":
		if w.MicrosoftTeamsUser != nil && w.MicrosoftTeamsUser.UserID != "" {
			return Identity{Kind: KindPlatformUser, Raw: w.RawID, Value: w.MicrosoftTeamsUser.UserID}
		}
	}
	if w.RawID != "" {
		parsed := Parse(w.RawID)
		parsed.Raw = w.RawID
		return parsed
	}
	return Unknown(string(data))
}

func isE164(s string) bool {
	if len(s) < 3 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
