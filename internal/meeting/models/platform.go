package models

import (
	"net/url"
	"regexp"
	"strings"
)

// Platform identifies a video-conference provider.
type Platform string

const (
	PlatformGoogleMeet Platform = "google_meet"
	PlatformZoom       Platform = "zoom"
	PlatformTeams      Platform = "teams"
)

// ParsePlatform validates a platform string from user input.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformGoogleMeet:
		return PlatformGoogleMeet, true
	case PlatformZoom:
		return PlatformZoom, true
	case PlatformTeams:
		return PlatformTeams, true
	default:
		return "", false
	}
}

var (
	googleMeetCodeRe = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)
	zoomMeetingIDRe  = regexp.MustCompile(`^[0-9]+$`)
)

// MeetingURL constructs the join URL for a platform/native-id pair.
// Returns "" when the combination cannot produce a valid URL.
//
//	google_meet: https://meet.google.com/xxx-xxxx-xxx (passcode ignored)
//	zoom:        https://zoom.us/j/<digits>[?pwd=<token>]
//	teams:       the native id is itself an https URL, accepted verbatim
func MeetingURL(platform Platform, nativeID, passcode string) string {
	nativeID = strings.TrimSpace(nativeID)
	switch platform {
	case PlatformGoogleMeet:
		if !googleMeetCodeRe.MatchString(nativeID) {
			return ""
		}
		return "https://meet.google.com/" + nativeID
	case PlatformZoom:
		if !zoomMeetingIDRe.MatchString(nativeID) {
			return ""
		}
		u := "https://zoom.us/j/" + nativeID
		if passcode != "" {
			u += "?pwd=" + url.QueryEscape(passcode)
		}
		return u
	case PlatformTeams:
		parsed, err := url.Parse(nativeID)
		if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
			return ""
		}
		return nativeID
	default:
		return ""
	}
}
