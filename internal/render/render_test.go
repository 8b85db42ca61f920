package render

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/domain"
)

func TestTemplRendererRendersSlide(t *testing.T) {
	r := NewTemplRenderer()
	html, err := r.Render(context.Background(), domain.Slide{
		Title:   "Photosynthesis",
		Content: "Plants make food.\n\nThey need light.",
		Bullets: []string{"Chlorophyll", " ", "Sunlight"},
	}, 2, "Ocean Blue")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(html, `<section class="slide slide--content theme-ocean-blue" data-index="2"`))
	assert.Contains(t, html, `<h1 class="slide__title">Photosynthesis</h1>`)
	assert.Contains(t, html, `<p>Plants make food.</p><p>They need light.</p>`)
	assert.Contains(t, html, `<li>Chlorophyll</li><li>Sunlight</li>`)
	assert.NotContains(t, html, `<li> </li>`)
}

func TestTemplRendererEscapesText(t *testing.T) {
	html, err := NewTemplRenderer().Render(context.Background(), domain.Slide{
		Title:    `<script>alert("x")</script>`,
		ImageURL: `javascript:alert(1)`,
		Layout:   "image",
	}, 0, "")
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.NotContains(t, html, "javascript:")
	assert.Contains(t, html, "theme-default")
}

func TestTemplRendererImageLayout(t *testing.T) {
	html, err := NewTemplRenderer().Render(context.Background(), domain.Slide{
		Title:    "Cell",
		Subtitle: "Under the microscope",
		ImageURL: "https://cdn.example/cell.png",
	}, 1, "forest")
	require.NoError(t, err)

	assert.Contains(t, html, `data-layout="image"`)
	assert.Contains(t, html, `<h2 class="slide__subtitle">Under the microscope</h2>`)
	assert.Contains(t, html, `<figure class="slide__media"><img src="https://cdn.example/cell.png" alt="Cell"></figure>`)
	assert.NotContains(t, html, "slide__content")
	assert.NotContains(t, html, "slide__bullets")
}

func TestLayoutInference(t *testing.T) {
	assert.Equal(t, "title", layoutName(domain.Slide{Title: "Welcome"}))
	assert.Equal(t, "bullets", layoutName(domain.Slide{Bullets: []string{"a"}}))
	assert.Equal(t, "image", layoutName(domain.Slide{ImageURL: "https://cdn/x.png"}))
	assert.Equal(t, "content", layoutName(domain.Slide{Content: "x", Bullets: []string{"a"}}))
	assert.Equal(t, "two-column", layoutName(domain.Slide{Layout: "Two-Column"}))
	assert.Equal(t, "content", layoutName(domain.Slide{Layout: "mystery", Content: "x"}))
}

func TestTemplRendererReportsWriteFailure(t *testing.T) {
	err := SlideSection(domain.Slide{Title: "x"}, 0, "").Render(context.Background(), failingWriter{})
	require.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestDeckWrapsSectionsWithNotesAndAudio(t *testing.T) {
	result := &domain.Result{Slides: []domain.SlideResult{
		{Index: 0, HTML: `<section class="slide">One</section>`, Script: "Say <one>"},
		{Index: 1, HTML: `<section class="slide">Two</section>`},
	}}

	var b strings.Builder
	err := Deck(result, "Cells & Tissues", map[int]string{0: "audio/slide-01.mp3"}).Render(context.Background(), &b)
	require.NoError(t, err)

	doc := b.String()
	assert.Contains(t, doc, `<title>Cells &amp; Tissues</title>`)
	assert.Contains(t, doc, `<article class="deck__slide" id="slide-0"><section class="slide">One</section>`)
	assert.Contains(t, doc, `src="audio/slide-01.mp3"`)
	assert.Contains(t, doc, `<aside class="deck__notes">Say &lt;one&gt;</aside>`)
	assert.Equal(t, 1, strings.Count(doc, "<audio"))
	assert.Equal(t, 1, strings.Count(doc, "deck__notes"))
	assert.True(t, strings.HasPrefix(doc, `<!doctype html><html>`))
	assert.True(t, strings.HasSuffix(doc, `</body></html>`))
}
