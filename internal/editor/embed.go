package editor

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

type Embed struct {
	Provider string
	URL      string
	EmbedURL string
	Aspect   string
}

const (
	ProviderYouTube    = "youtube"
	ProviderVimeo      = "vimeo"
	ProviderSoundCloud = "soundcloud"
	ProviderGeneric    = "generic"
)

var (
	youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,20}$`)
	digitsPattern    = regexp.MustCompile(`^[0-9]+$`)
	timePattern      = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s?)?$`)
)

// NormalizeEmbed turns a pasted media link into the URL an iframe should
// load. YouTube, Vimeo and SoundCloud links are rewritten to their player
// URLs; any other http(s) URL is embedded unchanged.
func NormalizeEmbed(raw string) (Embed, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" || strings.ContainsAny(raw, " \t\n") {
		return Embed{}, fmt.Errorf("%w: %q", ErrInvalidEmbedURL, raw)
	}

	host := strings.ToLower(parsed.Hostname())
	for _, prefix := range []string{"www.", "m.", "music."} {
		host = strings.TrimPrefix(host, prefix)
	}
	segments := pathSegments(parsed.Path)

	switch host {
	case "youtube.com", "youtube-nocookie.com":
		if id, aspect, ok := youtubeID(parsed, segments); ok {
			return youtubeEmbed(raw, id, aspect, parsed.Query()), nil
		}
	case "youtu.be":
		if len(segments) > 0 && youtubeIDPattern.MatchString(segments[0]) {
			return youtubeEmbed(raw, segments[0], "16:9", parsed.Query()), nil
		}
	case "vimeo.com", "player.vimeo.com":
		if n := len(segments); n > 0 && digitsPattern.MatchString(segments[n-1]) {
			return Embed{
				Provider: ProviderVimeo,
				URL:      raw,
				EmbedURL: "https://player.vimeo.com/video/" + segments[n-1],
				Aspect:   "16:9",
			}, nil
		}
	case "soundcloud.com", "on.soundcloud.com":
		if len(segments) > 0 {
			canonical := "https://soundcloud.com/" + strings.Join(segments, "/")
			if host == "on.soundcloud.com" {
				canonical = "https://on.soundcloud.com/" + strings.Join(segments, "/")
			}
			return Embed{
				Provider: ProviderSoundCloud,
				URL:      raw,
				EmbedURL: "https://w.soundcloud.com/player/?url=" + url.QueryEscape(canonical) + "&auto_play=false&visual=true",
				Aspect:   "auto",
			}, nil
		}
	case "w.soundcloud.com":
		return Embed{Provider: ProviderSoundCloud, URL: raw, EmbedURL: raw, Aspect: "auto"}, nil
	}

	return Embed{Provider: ProviderGeneric, URL: raw, EmbedURL: parsed.String(), Aspect: "16:9"}, nil
}

func youtubeID(u *url.URL, segments []string) (id, aspect string, ok bool) {
	if len(segments) == 1 && segments[0] == "watch" {
		id = u.Query().Get("v")
		return id, "16:9", youtubeIDPattern.MatchString(id)
	}
	if len(segments) >= 2 {
		switch segments[0] {
		case "embed", "live", "v":
			return segments[1], "16:9", youtubeIDPattern.MatchString(segments[1])
		case "shorts":
			return segments[1], "9:16", youtubeIDPattern.MatchString(segments[1])
		}
	}
	return "", "", false
}

func youtubeEmbed(raw, id, aspect string, query url.Values) Embed {
	embedURL := "https://www.youtube.com/embed/" + id
	start := query.Get("start")
	if start == "" {
		start = query.Get("t")
	}
	if seconds, ok := parseStart(start); ok && seconds > 0 {
		embedURL += "?start=" + strconv.Itoa(seconds)
	}
	return Embed{Provider: ProviderYouTube, URL: raw, EmbedURL: embedURL, Aspect: aspect}
}

// parseStart accepts "90", "90s" and "1h2m3s" forms.
func parseStart(value string) (int, bool) {
	if value == "" {
		return 0, false
	}
	m := timePattern.FindStringSubmatch(value)
	if m == nil {
		return 0, false
	}
	total := 0
	for i, unit := range []int{3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, false
		}
		total += n * unit
	}
	return total, true
}

func pathSegments(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

var linkSchemes = map[string]bool{"http": true, "https": true, "mailto": true, "tel": true}

// ValidateLink accepts absolute http(s), mailto and tel URLs.
func ValidateLink(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() || !linkSchemes[strings.ToLower(parsed.Scheme)] || strings.ContainsAny(raw, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	if (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	if (parsed.Scheme == "mailto" || parsed.Scheme == "tel") && parsed.Opaque == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return raw, nil
}

// validateSource accepts absolute http(s) image sources.
func validateSource(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return raw, nil
}
