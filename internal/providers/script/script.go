// Package script turns a slide into narration text a teacher could read aloud.
package script

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"slidegen/internal/domain"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderStatic = "static"
)

// Request carries one slide plus the student context used to personalize the
// narration.
type Request struct {
	Slide   domain.Slide
	Index   int
	Total   int
	Options domain.Options
}

// Generator produces a narration script for a single slide. Implementations
// return an error rather than substituting content; the caller decides on
// fallback.
type Generator interface {
	GenerateScript(ctx context.Context, req Request) (string, error)
}

// Static always returns the templated fallback script. It is used when no
// provider key is configured.
type Static struct{}

func (Static) GenerateScript(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return Fallback(req), nil
}

var supportedLocales = language.NewMatcher([]language.Tag{
	language.English,
	language.Indonesian,
})

type phrasebook struct {
	greetName  string
	greetAll   string
	slideIntro string
	keyPoints  string
	nextSlide  string
	closing    string
	untitled   string
}

var phrasebooks = map[string]phrasebook{
	"en": {
		greetName:  "Hi %s!",
		greetAll:   "Hello everyone!",
		slideIntro: "Slide %d of %d: %s.",
		keyPoints:  "Key points to remember: %s.",
		nextSlide:  "Let's move on to the next slide.",
		closing:    "That wraps up this lesson. Great work!",
		untitled:   "untitled slide",
	},
	"id": {
		greetName:  "Halo %s!",
		greetAll:   "Halo semuanya!",
		slideIntro: "Slide %d dari %d: %s.",
		keyPoints:  "Poin penting yang perlu diingat: %s.",
		nextSlide:  "Mari kita lanjut ke slide berikutnya.",
		closing:    "Sekian pelajaran kita kali ini. Kerja bagus!",
		untitled:   "slide tanpa judul",
	},
}

// ResolveLocale maps a free-form locale (Accept-Language value, "id-ID",
// "en_US") onto one of the supported narration languages.
func ResolveLocale(locale string) language.Tag {
	locale = strings.ReplaceAll(strings.TrimSpace(locale), "_", "-")
	tag, _ := language.MatchStrings(supportedLocales, locale)
	base, _ := tag.Base()
	if base.String() == "id" {
		return language.Indonesian
	}
	return language.English
}

// Fallback builds a deterministic narration from the slide's own fields. It
// never returns an empty string.
func Fallback(req Request) string {
	tag := ResolveLocale(req.Options.Locale)
	base, _ := tag.Base()
	book := phrasebooks[base.String()]
	caser := cases.Title(tag, cases.NoLower)

	title := strings.TrimSpace(req.Slide.Title)
	if title == "" {
		title = book.untitled
	} else {
		title = caser.String(title)
	}

	total := req.Total
	if total < req.Index+1 {
		total = req.Index + 1
	}

	var parts []string
	if req.Index == 0 {
		if name := strings.TrimSpace(req.Options.StudentName); name != "" {
			parts = append(parts, fmt.Sprintf(book.greetName, caser.String(name)))
		} else {
			parts = append(parts, book.greetAll)
		}
	}
	parts = append(parts, fmt.Sprintf(book.slideIntro, req.Index+1, total, title))
	if sub := strings.TrimSpace(req.Slide.Subtitle); sub != "" {
		parts = append(parts, sentence(sub))
	}
	if content := strings.TrimSpace(req.Slide.Content); content != "" {
		parts = append(parts, sentence(content))
	}
	if bullets := cleanBullets(req.Slide.Bullets); len(bullets) > 0 {
		parts = append(parts, fmt.Sprintf(book.keyPoints, strings.Join(bullets, "; ")))
	}
	if req.Index+1 >= total {
		parts = append(parts, book.closing)
	} else {
		parts = append(parts, book.nextSlide)
	}
	return strings.Join(parts, " ")
}

func cleanBullets(bullets []string) []string {
	out := make([]string, 0, len(bullets))
	for _, b := range bullets {
		b = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(b), ".;"))
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

func sentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	}
	return s + "."
}

// BuildPrompt renders the instruction sent to text providers.
func BuildPrompt(req Request) string {
	tag := ResolveLocale(req.Options.Locale)
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "Write the spoken narration for slide %d of %d of a lesson. ", req.Index+1, req.Total)
	fmt.Fprintf(sb, "Use language '%s'. Speak directly to the student in a warm, encouraging tone, 60 to 120 words, plain text without markdown or stage directions.", tag.String())
	if grade := strings.TrimSpace(req.Options.StudentGrade); grade != "" {
		fmt.Fprintf(sb, " The student is in grade %s; adjust vocabulary accordingly.", grade)
	}
	if name := strings.TrimSpace(req.Options.StudentName); name != "" && req.Index == 0 {
		fmt.Fprintf(sb, " Greet the student by name (%s).", name)
	}
	fmt.Fprintf(sb, "\nSlide title: %q", req.Slide.Title)
	if req.Slide.Subtitle != "" {
		fmt.Fprintf(sb, "\nSubtitle: %q", req.Slide.Subtitle)
	}
	if req.Slide.Content != "" {
		fmt.Fprintf(sb, "\nContent: %q", req.Slide.Content)
	}
	if bullets := cleanBullets(req.Slide.Bullets); len(bullets) > 0 {
		fmt.Fprintf(sb, "\nBullet points: %q", bullets)
	}
	if req.Slide.Notes != "" {
		fmt.Fprintf(sb, "\nTeacher notes: %q", req.Slide.Notes)
	}
	return sb.String()
}

const systemPrompt = "You are a patient classroom teacher who narrates slides for students. Respond with the narration text only."

// cleanScript strips code fences and surrounding quotes some models add.
func cleanScript(text string) string {
	text = trimCodeFence(text)
	text = strings.Trim(text, "\"“” \n\t")
	return strings.TrimSpace(text)
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```text")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

var _ Generator = Static{}
