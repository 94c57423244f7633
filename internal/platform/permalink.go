package platform

import "regexp"

var permalinkRe = regexp.MustCompile(`^/r/([^/]+)/comments/([\w\d]+)/[^/]+/(?:([\w\d]+)/)?$`)

// ShortenedPermalink replaces the title slug of a content permalink with "-"
// (comments) or drops it (posts). Anything else is returned unchanged.
func ShortenedPermalink(permalink string) string {
	m := permalinkRe.FindStringSubmatch(permalink)
	if m == nil {
		return permalink
	}
	sub, post, comment := m[1], m[2], m[3]
	if comment != "" {
		return "/r/" + sub + "/comments/" + post + "/-/" + comment + "/"
	}
	return "/r/" + sub + "/comments/" + post + "/"
}
