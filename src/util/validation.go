package util

import (
	"regexp"
	"strings"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:@\-]+$`)
	sessionIDPattern  = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// ValidateUserID accepts opaque caller-assigned user identifiers.
func ValidateUserID(userID string) bool {
	return len(userID) >= 1 && len(userID) <= 128 && identifierPattern.MatchString(userID)
}

func ValidateItemID(itemID string) bool {
	return len(itemID) >= 1 && len(itemID) <= 128 && identifierPattern.MatchString(itemID)
}

func ValidateSessionID(sessionID string) bool {
	return sessionIDPattern.MatchString(sessionID)
}

func ValidatePublicToken(token string) bool {
	token = strings.TrimSpace(token)
	return len(token) > 0 && len(token) <= 512 && !strings.ContainsAny(token, " \t\r\n")
}
