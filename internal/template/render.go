package template

import "strings"

// Render substitutes {placeholder} tokens in tmpl. Recipient attributes win
// over campaign-level variables; unmatched placeholders are left in place so
// bad templates are visible instead of silently blanked.
func Render(tmpl string, campaignVars, recipientAttrs map[string]string) string {
	result := tmpl
	for k, v := range campaignVars {
		if _, shadowed := recipientAttrs[k]; shadowed {
			continue
		}
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	for k, v := range recipientAttrs {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}
