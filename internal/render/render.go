// Package render turns slide descriptions into self-contained HTML sections.
// Markup lives in slide.templ; run `templ generate` after editing it.
package render

import (
	"context"
	"fmt"
	"strings"

	"github.com/a-h/templ"

	"slidegen/internal/domain"
)

// Renderer renders one slide. Implementations are pure and synchronous.
type Renderer interface {
	Render(ctx context.Context, slide domain.Slide, index int, theme string) (string, error)
}

// TemplRenderer renders slides through templ components.
type TemplRenderer struct{}

func NewTemplRenderer() *TemplRenderer {
	return &TemplRenderer{}
}

// Render returns the slide HTML. A panic inside a component is reported as
// domain.ErrRenderFailed.
func (r *TemplRenderer) Render(ctx context.Context, slide domain.Slide, index int, theme string) (html string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			html = ""
			err = fmt.Errorf("%w: slide %d: %v", domain.ErrRenderFailed, index, rec)
		}
	}()

	var b strings.Builder
	if err := SlideSection(slide, index, theme).Render(ctx, &b); err != nil {
		return "", fmt.Errorf("%w: slide %d: %v", domain.ErrRenderFailed, index, err)
	}
	return b.String(), nil
}

// SlideSection is the component for one slide.
func SlideSection(slide domain.Slide, index int, theme string) templ.Component {
	return section(newSectionView(slide, index, theme))
}

// Deck wraps the rendered sections of a result in a standalone document.
// audio maps a slide index to a path relative to the document; slides with a
// script get it as speaker notes.
func Deck(result *domain.Result, title string, audio map[int]string) templ.Component {
	return deck(title, result.Slides, audio)
}

// sectionView is the slide after layout inference and input cleanup.
type sectionView struct {
	Index      int
	Layout     string
	Theme      string
	Title      string
	Subtitle   string
	ImageURL   string
	Paragraphs []string
	Bullets    []string
}

func newSectionView(slide domain.Slide, index int, theme string) sectionView {
	v := sectionView{
		Index:      index,
		Layout:     layoutName(slide),
		Theme:      themeName(theme),
		Title:      slide.Title,
		Subtitle:   slide.Subtitle,
		Paragraphs: paragraphs(slide.Content),
	}
	if v.Layout == "image" || (v.Layout == "two-column" && slide.ImageURL != "") {
		v.ImageURL = safeURL(slide.ImageURL)
	}
	for _, bullet := range slide.Bullets {
		if strings.TrimSpace(bullet) != "" {
			v.Bullets = append(v.Bullets, bullet)
		}
	}
	return v
}

func (v sectionView) classes() string {
	return templ.Classes("slide", "slide--"+v.Layout, "theme-"+v.Theme).String()
}

func layoutName(slide domain.Slide) string {
	switch l := strings.ToLower(strings.TrimSpace(slide.Layout)); l {
	case "title", "bullets", "image", "two-column", "content":
		return l
	case "":
		switch {
		case slide.ImageURL != "":
			return "image"
		case len(slide.Bullets) > 0 && slide.Content == "":
			return "bullets"
		case slide.Content == "" && len(slide.Bullets) == 0:
			return "title"
		}
	}
	return "content"
}

func themeName(theme string) string {
	theme = strings.ToLower(strings.TrimSpace(theme))
	if theme == "" {
		return "default"
	}
	var b strings.Builder
	for _, c := range theme {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			b.WriteRune(c)
		case c == ' ' || c == '_':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

func safeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://") || strings.HasPrefix(raw, "/") {
		return raw
	}
	return ""
}

func paragraphs(content string) []string {
	var out []string
	for _, p := range strings.Split(content, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
