package mpesa

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone turns the local forms a cashier types (0712345678,
// 712345678, +254 712 345 678) into the 2547XXXXXXXX / 2541XXXXXXXX form the
// gateway expects.
func NormalizePhone(raw string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "+")
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
		}
	}

	switch {
	case len(s) == 10 && s[0] == '0':
		s = "254" + s[1:]
	case len(s) == 9:
		s = "254" + s
	}
	if len(s) != 12 || !strings.HasPrefix(s, "254") || (s[3] != '7' && s[3] != '1') {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return s, nil
}
