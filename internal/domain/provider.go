package domain

import (
	"fmt"
	"strings"
)

// ServiceKey identifies an external CRM/dialer provider.
type ServiceKey string

const (
	ServiceRingCentral ServiceKey = "ringcentral"
	ServiceConvoso     ServiceKey = "convoso"
	ServiceYtel        ServiceKey = "ytel"
	ServiceLogics      ServiceKey = "logics"
	ServiceGenesys     ServiceKey = "genesys"
)

// AllServiceKeys lists every supported provider in display order.
var AllServiceKeys = []ServiceKey{
	ServiceRingCentral,
	ServiceConvoso,
	ServiceYtel,
	ServiceLogics,
	ServiceGenesys,
}

func (k ServiceKey) String() string { return string(k) }

func (k ServiceKey) IsValid() bool {
	switch k {
	case ServiceRingCentral, ServiceConvoso, ServiceYtel, ServiceLogics, ServiceGenesys:
		return true
	}
	return false
}

// IsDestructive reports whether adding a number to this provider has side effects
// beyond suppression and therefore needs explicit confirmation.
func (k ServiceKey) IsDestructive() bool {
	return k == ServiceLogics
}

func ParseServiceKeyFromString(s string) (ServiceKey, error) {
	key := ServiceKey(strings.ToLower(strings.TrimSpace(s)))
	if !key.IsValid() {
		return "", fmt.Errorf("%w: invalid service key %q", ErrValidation, s)
	}
	return key, nil
}

// ParseServiceKeys parses and de-duplicates a list of service keys, keeping input order.
func ParseServiceKeys(values []string) ([]ServiceKey, error) {
	keys := make([]ServiceKey, 0, len(values))
	seen := make(map[ServiceKey]struct{}, len(values))
	for _, v := range values {
		key, err := ParseServiceKeyFromString(v)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}
