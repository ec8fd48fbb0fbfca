package expo

import "strings"

var tokenPrefixes = []string{"ExponentPushToken[", "ExpoPushToken["}

// IsPushToken reports whether token has the gateway's required envelope: a
// known prefix and a closing bracket wrapping a non-empty opaque identifier.
// It never fails; anything malformed is simply not a push token.
func IsPushToken(token string) bool {
	for _, prefix := range tokenPrefixes {
		rest, ok := strings.CutPrefix(token, prefix)
		if !ok {
			continue
		}
		inner, ok := strings.CutSuffix(rest, "]")
		if !ok {
			return false
		}
		return len(inner) > 0 && !strings.ContainsAny(inner, "[] \t\n")
	}
	return false
}
