package broker

import "regexp"

// maxErrorMessageLen is the persisted error_message column cap (spec §3).
const maxErrorMessageLen = 5000

var (
	connStringCreds = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^:/@\s]+:[^@/\s]+@[^/\s]+`)
	kvPassword      = regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*\S+`)
	bearerOrAPIKey  = regexp.MustCompile(`(?i)(api[_-]?key|bearer)\s*[=:]?\s*[A-Za-z0-9._-]{20,}`)
	awsAccessKey    = regexp.MustCompile(`AKIA[0-9A-Z]{16}`)
	jwtShaped       = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
)

// Sanitize redacts the patterns listed in spec §4.4, in order, then
// truncates to maxErrorMessageLen. It is applied to every error string
// before it is persisted as a JobRecord's ErrorMessage.
func Sanitize(message string) string {
	s := connStringCreds.ReplaceAllString(message, "$1***:***@***")
	s = kvPassword.ReplaceAllString(s, "password=***")
	s = bearerOrAPIKey.ReplaceAllString(s, "api_key=***")
	s = awsAccessKey.ReplaceAllString(s, "AKIA***")
	s = jwtShaped.ReplaceAllString(s, "jwt.***")
	if len(s) > maxErrorMessageLen {
		s = s[:maxErrorMessageLen]
	}
	return s
}
