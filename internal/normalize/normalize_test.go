package normalize

import (
	"testing"

	"mangastream/catalogservice/internal/domain"
)

func TestStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.Status
	}{
		{"ongoing", domain.StatusOngoing},
		{"Releasing", domain.StatusOngoing},
		{"COMPLETED", domain.StatusCompleted},
		{"finished", domain.StatusCompleted},
		{"on_hiatus", domain.StatusHiatus},
		{"canceled", domain.StatusCancelled},
		{"dropped", domain.StatusCancelled},
		{"", domain.StatusUnknown},
		{"something else", domain.StatusUnknown},
	}
	for _, tc := range cases {
		if got := Status(tc.raw); got != tc.want {
			t.Errorf("Status(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestContentRating(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.ContentRating
	}{
		{"safe", domain.RatingSafe},
		{"Suggestive", domain.RatingSuggestive},
		{"ecchi", domain.RatingSuggestive},
		{"smut", domain.RatingErotica},
		{"hentai", domain.RatingPornographic},
		{"", domain.RatingSafe},
	}
	for _, tc := range cases {
		if got := ContentRating(tc.raw); got != tc.want {
			t.Errorf("ContentRating(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestLanguage(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"ja", "ja"},
		{"ja-ro", "ja"},
		{"JP", "ja"},
		{"ko-KR", "ko"},
		{"zh-hk", "zh"},
		{"", ""},
		{"??", "??"},
	}
	for _, tc := range cases {
		if got := Language(tc.raw); got != tc.want {
			t.Errorf("Language(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestContentTypeFromLanguage(t *testing.T) {
	if got := ContentType("ja", ""); got != domain.ContentTypeManga {
		t.Fatalf("ja => %q, want manga", got)
	}
	if got := ContentType("ko", ""); got != domain.ContentTypeManhwa {
		t.Fatalf("ko => %q, want manhwa", got)
	}
	if got := ContentType("zh-hk", ""); got != domain.ContentTypeManhua {
		t.Fatalf("zh-hk => %q, want manhua", got)
	}
}

func TestContentTypeProviderHintWins(t *testing.T) {
	if got := ContentType("", "webtoon"); got != domain.ContentTypeManhwa {
		t.Fatalf("webtoon hint => %q, want manhwa", got)
	}
	if got := ContentType("xx", "manhua"); got != domain.ContentTypeManhua {
		t.Fatalf("manhua hint => %q, want manhua", got)
	}
	if got := ContentType("", ""); got != domain.ContentTypeUnknown {
		t.Fatalf("no signal => %q, want unknown", got)
	}
}

func TestSubtypeLanguages(t *testing.T) {
	if got := SubtypeLanguages("manhwa"); len(got) != 1 || got[0] != "ko" {
		t.Fatalf("manhwa => %v", got)
	}
	if got := SubtypeLanguages(""); len(got) != 3 {
		t.Fatalf("default => %v", got)
	}
}

func TestEstimateChapters(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.ChapterCount
	}{
		{"Chapter 124.5", domain.EstimatedChapters(124)},
		{"ch. 87", domain.EstimatedChapters(87)},
		{"112", domain.EstimatedChapters(112)},
		{"Vol. 4 Chapter 31", domain.EstimatedChapters(31)},
		{"", domain.UnknownChapters()},
		{"Oneshot", domain.UnknownChapters()},
		{"Chapter 0", domain.UnknownChapters()},
	}
	for _, tc := range cases {
		if got := EstimateChapters(tc.raw); got != tc.want {
			t.Errorf("EstimateChapters(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestAltTitles(t *testing.T) {
	got := AltTitles("Solo Leveling", []string{
		"solo leveling",
		"Na Honjaman Level-Up",
		" Na Honjaman   Level-Up ",
		"",
	})
	if len(got) != 1 || got[0] != "Na Honjaman Level-Up" {
		t.Fatalf("unexpected alt titles: %v", got)
	}
}
