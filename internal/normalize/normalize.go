package normalize

import (
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"mangastream/catalogservice/internal/domain"
)

// Status maps the status vocabulary used by both upstreams onto the canonical
// enum. Unrecognized values become StatusUnknown rather than an error: a title
// with a weird status is still worth indexing.
func Status(raw string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ongoing", "releasing", "publishing", "current":
		return domain.StatusOngoing
	case "completed", "finished", "complete", "ended":
		return domain.StatusCompleted
	case "hiatus", "on_hiatus", "on hiatus", "paused":
		return domain.StatusHiatus
	case "cancelled", "canceled", "discontinued", "dropped":
		return domain.StatusCancelled
	default:
		return domain.StatusUnknown
	}
}

func ContentRating(raw string) domain.ContentRating {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "safe", "sfw", "general":
		return domain.RatingSafe
	case "suggestive", "ecchi":
		return domain.RatingSuggestive
	case "erotica", "smut":
		return domain.RatingErotica
	case "pornographic", "hentai", "nsfw", "adult":
		return domain.RatingPornographic
	default:
		return domain.RatingSafe
	}
}

func Demographic(raw string) domain.Demographic {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "shounen", "shonen":
		return domain.DemographicShounen
	case "shoujo", "shojo":
		return domain.DemographicShoujo
	case "seinen":
		return domain.DemographicSeinen
	case "josei":
		return domain.DemographicJosei
	default:
		return domain.DemographicNone
	}
}

// Language canonicalizes an upstream language code to its BCP 47 base form
// ("jp" and "ja-ro" both become "ja"). Unparseable input is returned trimmed
// and lowercased so it still round-trips through the store.
func Language(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return ""
	}
	// Romanized variants share the base language for routing purposes.
	value = strings.TrimSuffix(value, "-ro")
	tag, err := language.Parse(value)
	if err != nil {
		return value
	}
	base, conf := tag.Base()
	if conf == language.No {
		return value
	}
	return base.String()
}

// ContentType derives the content type from the original language, falling
// back to a provider hint when the language alone is inconclusive.
func ContentType(lang, providerHint string) domain.ContentType {
	switch Language(lang) {
	case "ja":
		return domain.ContentTypeManga
	case "ko":
		return domain.ContentTypeManhwa
	case "zh":
		return domain.ContentTypeManhua
	}
	switch strings.ToLower(strings.TrimSpace(providerHint)) {
	case "manga":
		return domain.ContentTypeManga
	case "manhwa", "webtoon":
		return domain.ContentTypeManhwa
	case "manhua":
		return domain.ContentTypeManhua
	case "comic", "comics":
		return domain.ContentTypeComic
	}
	if Language(lang) == "en" {
		return domain.ContentTypeComic
	}
	return domain.ContentTypeUnknown
}

// SubtypeLanguages returns the original languages associated with an
// aggregator subtype, used by the final canonical-fallback tier.
func SubtypeLanguages(subtype string) []string {
	switch strings.ToLower(strings.TrimSpace(subtype)) {
	case "manga":
		return []string{"ja"}
	case "manhwa":
		return []string{"ko"}
	case "manhua":
		return []string{"zh"}
	default:
		return []string{"ja", "ko", "zh"}
	}
}

func TagGroup(raw string) domain.TagGroup {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "theme":
		return domain.TagGroupTheme
	case "format":
		return domain.TagGroupFormat
	case "content":
		return domain.TagGroupContent
	default:
		return domain.TagGroupGenre
	}
}

// EstimateChapters parses the free-text last-chapter field ("Chapter 124.5",
// "ch. 87", "112") into an estimated total. The fractional part is dropped;
// anything unparseable yields an unknown count.
func EstimateChapters(lastChapter string) domain.ChapterCount {
	value := strings.TrimSpace(lastChapter)
	if value == "" {
		return domain.UnknownChapters()
	}

	// Take the last whitespace-separated token; upstreams prefix freely.
	fields := strings.Fields(value)
	token := fields[len(fields)-1]
	token = strings.TrimFunc(token, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if token == "" {
		return domain.UnknownChapters()
	}
	if dot := strings.IndexByte(token, '.'); dot >= 0 {
		token = token[:dot]
	}
	n, err := strconv.Atoi(token)
	if err != nil || n <= 0 {
		return domain.UnknownChapters()
	}
	return domain.EstimatedChapters(n)
}

// Title collapses internal whitespace and trims the name fields upstreams
// return with stray newlines and padding.
func Title(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// AltTitles dedupes case-insensitively and drops entries equal to the primary
// title.
func AltTitles(primary string, raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := map[string]struct{}{strings.ToLower(Title(primary)): {}}
	out := make([]string, 0, len(raw))
	for _, alt := range raw {
		cleaned := Title(alt)
		if cleaned == "" {
			continue
		}
		key := strings.ToLower(cleaned)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, cleaned)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
