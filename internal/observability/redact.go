package observability

import (
	"log/slog"
	"regexp"

	"github.com/m-mizutani/masq"
)

var (
	// sensitiveFieldPattern matches attribute and struct field names that
	// carry credentials regardless of capitalisation.
	sensitiveFieldPattern = regexp.MustCompile(`(?i)^(password|passwd|secret|token|apikey|api_key|credential|credentials|authorization)$`)

	// sensitiveParamPattern matches credential query parameters embedded in
	// URL strings, e.g. "?token=abc" or "&password=xyz".
	sensitiveParamPattern = regexp.MustCompile(`(?i)([?&])(password|passwd|secret|token|apikey|api_key|credential)=([^&\s"]*)`)
)

// newRedactor builds the attribute filter applied to every log record.
// Three rules are combined:
//
//   - struct fields tagged `masq:"secret"` (upstream URLs in the config)
//   - attributes whose key is a well-known credential field name
//   - string values containing credential query parameters, which keep the
//     rest of the URL intact and only mask the parameter value
func newRedactor() func(groups []string, a slog.Attr) slog.Attr {
	return masq.New(
		masq.WithTag("secret"),
		masq.WithCensor(func(fieldName string, value any, tag string) bool {
			return sensitiveFieldPattern.MatchString(fieldName)
		}),
		masq.WithCensor(
			func(fieldName string, value any, tag string) bool {
				s, ok := value.(string)
				return ok && sensitiveParamPattern.MatchString(s)
			},
			masq.RedactString(func(s string) string {
				return sensitiveParamPattern.ReplaceAllString(s, "$1$2="+masq.DefaultRedactMessage)
			}),
		),
	)
}
