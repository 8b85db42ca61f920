package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeContextKey struct{}
type countryContextKey struct{}

var (
	LocaleKey  = localeContextKey{}
	CountryKey = countryContextKey{}
)

// narrationLocales are the languages scripts and speech can be produced in.
// The first entry is the matcher's fallback.
var narrationLocales = language.NewMatcher([]language.Tag{
	language.English,
	language.Indonesian,
})

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

// I18N stores the narration locale and, when known, the caller's country in
// the request context. Generate requests without an explicit locale option
// inherit the stored locale.
func I18N(defaultLocale string, lookup CountryLookup) func(http.Handler) http.Handler {
	fallback := normalizeLocale(defaultLocale)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			country := ResolveCountry(r, lookup)
			ctx := context.WithValue(r.Context(), LocaleKey, detectLocale(r, fallback, country))
			if country != "" {
				ctx = context.WithValue(ctx, CountryKey, country)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func detectLocale(r *http.Request, fallback string, country string) string {
	if v := strings.TrimSpace(r.Header.Get("X-Locale")); v != "" {
		return normalizeLocale(v)
	}
	if v, ok := matchAcceptLanguage(r.Header.Get("Accept-Language")); ok {
		return v
	}
	if strings.EqualFold(country, "ID") {
		return "id"
	}
	if country == "" && fallback != "" {
		return fallback
	}
	return "en"
}

// matchAcceptLanguage picks the best narration locale among all weighted
// entries, so "fr-FR,id;q=0.5" narrates in Indonesian.
func matchAcceptLanguage(header string) (string, bool) {
	tags := acceptTags(header)
	if len(tags) == 0 {
		return "", false
	}
	tag, _, conf := narrationLocales.Match(tags...)
	if conf == language.No {
		return "", false
	}
	return baseOf(tag), true
}

func acceptTags(header string) []language.Tag {
	header = strings.ReplaceAll(strings.TrimSpace(header), "_", "-")
	if header == "" {
		return nil
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil {
		return nil
	}
	return tags
}

func normalizeLocale(locale string) string {
	locale = strings.ReplaceAll(strings.TrimSpace(locale), "_", "-")
	if locale == "" {
		return "en"
	}
	tag, _, conf := narrationLocales.Match(language.Make(locale))
	if conf == language.No {
		return "en"
	}
	return baseOf(tag)
}

func baseOf(tag language.Tag) string {
	base, _ := tag.Base()
	if base.String() == "id" {
		return "id"
	}
	return "en"
}

// ClientIP returns the best-effort client IP address for the request. The
// first well-formed X-Forwarded-For entry wins over the socket address.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			if ip := strings.TrimSpace(part); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return "en"
}

// CountryFromContext returns the ISO country code stored in the request context.
func CountryFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CountryKey).(string); ok {
		return v
	}
	return ""
}

var countryHeaders = []string{"X-Country-Code", "CF-IPCountry", "X-Appengine-Country"}

// ResolveCountry resolves a best-effort ISO country code for the given request:
// proxy headers first, then an explicit locale region, then the GeoIP lookup.
func ResolveCountry(r *http.Request, lookup CountryLookup) string {
	if r == nil {
		return ""
	}
	for _, key := range countryHeaders {
		if val := strings.TrimSpace(r.Header.Get(key)); len(val) == 2 {
			return strings.ToUpper(val)
		}
	}
	if region := localeRegion(r.Header.Get("X-Locale")); region != "" {
		return region
	}
	if region := localeRegion(r.Header.Get("Accept-Language")); region != "" {
		return region
	}
	if lookup != nil {
		if ip := ClientIP(r); ip != "" {
			if country, err := lookup(ip); err == nil && country != "" {
				return strings.ToUpper(country)
			}
		}
	}
	return ""
}

// localeRegion returns the region written in the most preferred tag, or "ID"
// for a bare Indonesian tag since the language is spoken almost only there.
func localeRegion(header string) string {
	tags := acceptTags(header)
	if len(tags) == 0 {
		return ""
	}
	if region, conf := tags[0].Region(); conf == language.Exact {
		return region.String()
	}
	if baseOf(tags[0]) == "id" {
		return "ID"
	}
	return ""
}
