package store

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidPayload = errors.New("invalid resource payload")

// NormalizeTags trims, drops empties and removes duplicates while keeping the
// first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// ValidatePayload checks that exactly one primary payload is carried for the
// resource type. Media types point at a file or external URL; authored
// articles carry content and no URL; external articles carry a URL and never
// rendered content.
func ValidatePayload(r Resource) error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, r.Type)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	switch r.Source {
	case SourceOwned, SourceExternal:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidPayload, r.Source)
	}

	if r.Type != ResourceArticle {
		if r.Content != "" {
			return fmt.Errorf("%w: %s resources do not carry content", ErrInvalidPayload, r.Type)
		}
		if r.URL == "" {
			return fmt.Errorf("%w: %s resources require a url", ErrInvalidPayload, r.Type)
		}
		return validateURL(r.URL)
	}

	if r.Source == SourceExternal {
		if r.Content != "" {
			return fmt.Errorf("%w: external articles must not carry content", ErrInvalidPayload)
		}
		if r.URL == "" {
			return fmt.Errorf("%w: external articles require a url", ErrInvalidPayload)
		}
		return validateURL(r.URL)
	}
	if r.URL != "" {
		return fmt.Errorf("%w: authored articles carry content, not a url", ErrInvalidPayload)
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidPayload)
	}
	return nil
}
