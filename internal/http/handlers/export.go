package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"slidegen/internal/render"
	"slidegen/pkg/zip"
)

// ExportLessonSlides downloads the caller's cached deck as a zip holding a
// standalone deck.html, speaker notes and any narration audio.
func (a *App) ExportLessonSlides(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	lessonID := chi.URLParam(r, "lesson_id")
	result, ok, err := a.Generation.LessonResult(r.Context(), lessonID, userID)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "no generated slides for lesson")
		return
	}

	var assets []zip.Asset
	audio := make(map[int]string)
	for _, slide := range result.Slides {
		name := fmt.Sprintf("slide-%02d", slide.Index+1)
		if slide.Script != "" {
			assets = append(assets, zip.Asset{Filename: "notes/" + name + ".txt", Data: []byte(slide.Script)})
		}
		if slide.AudioReference == "" || a.Assets == nil {
			continue
		}
		key, ok := a.assetKey(slide.AudioReference)
		if !ok {
			continue
		}
		data, err := a.Assets.Download(r.Context(), key)
		if err != nil {
			a.Logger.Warn().Err(err).Str("key", key).Msg("export: audio unavailable, skipping")
			continue
		}
		file := "audio/" + name + path.Ext(key)
		audio[slide.Index] = file
		assets = append(assets, zip.Asset{Filename: file, Data: data})
	}

	var doc bytes.Buffer
	if err := render.Deck(result, lessonID, audio).Render(r.Context(), &doc); err != nil {
		a.serviceError(w, r, err)
		return
	}
	assets = append([]zip.Asset{{Filename: "deck.html", Data: doc.Bytes()}}, assets...)

	modified := result.GeneratedAt
	if modified.IsZero() {
		modified = time.Now()
	}
	archive, err := zip.ArchiveAssets(assets, modified)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-slides.zip"`, fileSafe(lessonID)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

// assetKey maps an audio reference back to its storage key. References that
// point outside the configured storage URL are not ours to fetch.
func (a *App) assetKey(ref string) (string, bool) {
	base := ""
	if a.Config != nil {
		base = strings.TrimRight(a.Config.StorageBaseURL, "/")
	}
	if base != "" {
		if rest, ok := strings.CutPrefix(ref, base+"/"); ok && rest != "" {
			return rest, true
		}
	}
	if strings.Contains(ref, "://") {
		return "", false
	}
	key := strings.TrimLeft(ref, "/")
	return key, key != ""
}

func fileSafe(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "lesson"
	}
	return b.String()
}
