package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Slide is a single slide description as stored with the lesson. The pipeline
// only reads the text fields (for the fallback narration); everything else is
// handed to the renderer untouched.
type Slide struct {
	Title    string          `json:"title"`
	Subtitle string          `json:"subtitle,omitempty"`
	Content  string          `json:"content,omitempty"`
	Bullets  []string        `json:"bullets,omitempty"`
	Layout   string          `json:"layout,omitempty"`
	ImageURL string          `json:"image_url,omitempty"`
	Notes    string          `json:"notes,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// Options configures which stages run for a job. Immutable after creation.
type Options struct {
	Theme            string `json:"theme"`
	GenerateVoice    bool   `json:"generate_voice"`
	GenerateTeaching bool   `json:"generate_teaching"`
	StudentGrade     string `json:"student_grade,omitempty"`
	StudentName      string `json:"student_name,omitempty"`
	Locale           string `json:"locale,omitempty"`
	Voice            string `json:"voice,omitempty"`
}

// UsesAI reports whether any stage requires an external provider.
func (o Options) UsesAI() bool {
	return o.GenerateVoice || o.GenerateTeaching
}

// SlideResult is the processed output for one slide.
type SlideResult struct {
	Index            int    `json:"index"`
	HTML             string `json:"html"`
	Script           string `json:"script,omitempty"`
	ScriptFallback   bool   `json:"script_fallback,omitempty"`
	AudioReference   string `json:"audio_reference,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// Progress tracks how far a job has advanced. ProcessedSlides is append-only
// and ordered by Index.
type Progress struct {
	ProcessedCount  int           `json:"processed_count"`
	TotalSlides     int           `json:"total_slides"`
	ProcessedSlides []SlideResult `json:"processed_slides,omitempty"`
}

// Percent returns the completion percentage in the range [0, 100].
func (p Progress) Percent() int {
	if p.TotalSlides <= 0 {
		return 0
	}
	pct := p.ProcessedCount * 100 / p.TotalSlides
	if pct > 100 {
		return 100
	}
	return pct
}

// HasIndex reports whether a result for the slide index was already recorded.
func (p Progress) HasIndex(index int) bool {
	for _, s := range p.ProcessedSlides {
		if s.Index == index {
			return true
		}
	}
	return false
}

// Append records a slide result. Duplicate indexes and overflow beyond
// TotalSlides are ignored; the return value reports whether the result was
// accepted.
func (p *Progress) Append(result SlideResult) bool {
	if result.Index < 0 || result.Index >= p.TotalSlides {
		return false
	}
	if len(p.ProcessedSlides) >= p.TotalSlides || p.HasIndex(result.Index) {
		return false
	}
	p.ProcessedSlides = append(p.ProcessedSlides, result)
	p.ProcessedCount = len(p.ProcessedSlides)
	return true
}

// Job encapsulates the lifecycle of one slide-deck generation request.
type Job struct {
	ID              string     `json:"id"`
	LessonID        string     `json:"lesson_id"`
	UserID          string     `json:"user_id"`
	Slides          []Slide    `json:"slides"`
	Options         Options    `json:"options"`
	Status          JobStatus  `json:"status"`
	Priority        int        `json:"priority"`
	Progress        Progress   `json:"progress"`
	Error           string     `json:"error,omitempty"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	AvailableAt     time.Time  `json:"available_at"`
}

// Key returns the cache key for the job's owner and lesson.
func (j *Job) Key() CacheKey {
	return CacheKey{LessonID: j.LessonID, UserID: j.UserID}
}

// Clone returns a deep copy so callers never share slices with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Slides != nil {
		out.Slides = make([]Slide, len(j.Slides))
		for i, s := range j.Slides {
			out.Slides[i] = s.clone()
		}
	}
	if j.Progress.ProcessedSlides != nil {
		out.Progress.ProcessedSlides = append([]SlideResult(nil), j.Progress.ProcessedSlides...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func (s Slide) clone() Slide {
	out := s
	if s.Bullets != nil {
		out.Bullets = append([]string(nil), s.Bullets...)
	}
	if s.Extra != nil {
		out.Extra = append(json.RawMessage(nil), s.Extra...)
	}
	return out
}

// Result is the aggregated output of a completed job, as stored in the cache.
type Result struct {
	JobID                 string        `json:"job_id"`
	LessonID              string        `json:"lesson_id"`
	UserID                string        `json:"user_id"`
	Slides                []SlideResult `json:"slides"`
	TotalProcessingTimeMs int64         `json:"total_processing_time_ms"`
	GeneratedAt           time.Time     `json:"generated_at"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Slides = append([]SlideResult(nil), r.Slides...)
	return &out
}

// Valid reports whether the result carries a usable payload.
func (r *Result) Valid() bool {
	if r == nil || len(r.Slides) == 0 {
		return false
	}
	for i, s := range r.Slides {
		if s.Index != i {
			return false
		}
	}
	return true
}

// ResultFromJob aggregates the processed slides of a job.
func ResultFromJob(j *Job, generatedAt time.Time) *Result {
	res := &Result{
		JobID:       j.ID,
		LessonID:    j.LessonID,
		UserID:      j.UserID,
		Slides:      append([]SlideResult(nil), j.Progress.ProcessedSlides...),
		GeneratedAt: generatedAt,
	}
	for _, s := range res.Slides {
		res.TotalProcessingTimeMs += s.ProcessingTimeMs
	}
	return res
}

// CacheKey identifies a cached result by its natural key.
type CacheKey struct {
	LessonID string
	UserID   string
}

// CacheStats summarizes cache usage.
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ComputeHitRate fills HitRate from Hits and Misses.
func (s *CacheStats) ComputeHitRate() {
	total := s.Hits + s.Misses
	if total == 0 {
		s.HitRate = 0
		return
	}
	s.HitRate = float64(s.Hits) / float64(total)
}
