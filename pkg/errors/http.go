package errors

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"
)

// HTTPStatus maps an error's Kind to the response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindQualityRejected:
		return http.StatusBadRequest
	case KindNotFound, KindTokenInvalid:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindTokenExpired:
		return http.StatusGone
	case KindQuotaExceeded, KindInvalidStateTransition:
		return http.StatusConflict
	case KindInfrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

const maxSanitizedLen = 300

var (
	reURL     = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://\S+`)
	reHostIP  = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`)
	rePath    = regexp.MustCompile(`(^|[\s"'(=])(/[^\s"'):]+)+`)
	reWinPath = regexp.MustCompile(`[A-Za-z]:\\[^\s"']+`)
	reHex     = regexp.MustCompile(`0x[0-9a-fA-F]{6,}`)
	reGorout  = regexp.MustCompile(`goroutine \d+.*`)
	reSpaces  = regexp.MustCompile(`\s+`)
)

// Sanitize turns an error into text that is safe to store on the profile and
// show to clients: the first line only, without URLs, hosts, file paths,
// addresses or stack fragments.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var e *Error
	if As(err, &e) && e.Kind != KindUnknown && e.Message != "" {
		// 已分类错误只暴露外层消息，原始细节只进日志
		msg = e.Message
	}
	return SanitizeText(msg)
}

// SanitizeText applies Sanitize's rules to a raw string.
func SanitizeText(msg string) string {
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = reGorout.ReplaceAllString(msg, "")
	msg = reURL.ReplaceAllString(msg, "[redacted]")
	msg = reHostIP.ReplaceAllString(msg, "[redacted]")
	msg = reWinPath.ReplaceAllString(msg, "[path]")
	msg = rePath.ReplaceAllString(msg, "$1[path]")
	msg = reHex.ReplaceAllString(msg, "")
	msg = strings.TrimSpace(reSpaces.ReplaceAllString(msg, " "))
	if len(msg) > maxSanitizedLen {
		cut := maxSanitizedLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = strings.TrimSpace(msg[:cut]) + "..."
	}
	if msg == "" {
		return "internal error"
	}
	return msg
}
