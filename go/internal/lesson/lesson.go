package lesson

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/round"
	"github.com/mcdev12/classroom/go/internal/scoring"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidLesson  = errors.New("invalid lesson")
	ErrLessonNotFound = errors.New("lesson not found")
)

// Lesson is the authored content a session runs through.
type Lesson struct {
	ID         string         `yaml:"id"`
	Title      string         `yaml:"title"`
	Stages     []models.Stage `yaml:"stages"`
	Activities []Activity     `yaml:"activities"`
}

// Activity is a quiz attached to one or more activity stages.
type Activity struct {
	ID          string          `yaml:"id"`
	Title       string          `yaml:"title"`
	ListenFirst bool            `yaml:"listen_first"`
	Scoring     *scoring.Rule   `yaml:"scoring"`
	Questions   []QuestionEntry `yaml:"questions"`
}

// QuestionEntry is one authored question including its answer.
type QuestionEntry struct {
	Prompt  string   `yaml:"prompt"`
	Choices []string `yaml:"choices"`
	Correct string   `yaml:"correct"`
	Media   string   `yaml:"media"`
}

// QuizQuestion is the payload participants receive. It never carries the
// answer.
type QuizQuestion struct {
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
	Media   string   `json:"media,omitempty"`
}

// Load reads and validates a lesson file.
func Load(path string) (*Lesson, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lesson %s: %w", path, err)
	}
	l, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("lesson %s: %w", path, err)
	}
	if l.ID == "" {
		l.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return l, nil
}

// Parse decodes and validates a YAML lesson.
func Parse(data []byte) (*Lesson, error) {
	var l Lesson
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLesson, err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks the lesson structure. Activity stages that point at a
// missing activity are allowed; participants see the waiting room for them.
func (l *Lesson) Validate() error {
	if len(l.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidLesson)
	}

	stageIDs := make(map[string]bool, len(l.Stages))
	for i, s := range l.Stages {
		if s.ID == "" {
			return fmt.Errorf("%w: stage %d has no id", ErrInvalidLesson, i)
		}
		if s.ID == models.StageNotStarted {
			return fmt.Errorf("%w: stage id %q is reserved", ErrInvalidLesson, s.ID)
		}
		if stageIDs[s.ID] {
			return fmt.Errorf("%w: duplicate stage id %q", ErrInvalidLesson, s.ID)
		}
		stageIDs[s.ID] = true
		if !s.Type.Valid() {
			return fmt.Errorf("%w: stage %q has unknown type %q", ErrInvalidLesson, s.ID, s.Type)
		}
		if s.DurationMinutes != nil && *s.DurationMinutes < 0 {
			return fmt.Errorf("%w: stage %q has a negative duration", ErrInvalidLesson, s.ID)
		}
	}

	activityIDs := make(map[string]bool, len(l.Activities))
	for _, a := range l.Activities {
		if a.ID == "" {
			return fmt.Errorf("%w: activity without id", ErrInvalidLesson)
		}
		if activityIDs[a.ID] {
			return fmt.Errorf("%w: duplicate activity id %q", ErrInvalidLesson, a.ID)
		}
		activityIDs[a.ID] = true
		for i, q := range a.Questions {
			if !containsChoice(q.Choices, q.Correct) {
				return fmt.Errorf("%w: activity %q question %d: correct answer %q is not a choice", ErrInvalidLesson, a.ID, i, q.Correct)
			}
		}
	}

	for _, s := range l.Stages {
		if s.Type == models.StageTypeActivity && !activityIDs[s.ActivityID] {
			log.Warn().Str("lesson_id", l.ID).Str("stage_id", s.ID).Str("activity_id", s.ActivityID).Msg("activity stage has no matching activity")
		}
	}
	return nil
}

// Activity resolves an activity by id.
func (l *Lesson) Activity(id string) (*Activity, bool) {
	for i := range l.Activities {
		if l.Activities[i].ID == id {
			return &l.Activities[i], true
		}
	}
	return nil, false
}

// HasActivity reports whether id resolves.
func (l *Lesson) HasActivity(id string) bool {
	_, ok := l.Activity(id)
	return ok
}

// QuizGame builds the round engine game for an activity.
func QuizGame(a *Activity) round.Game[QuizQuestion, string] {
	rule := scoring.DefaultRule()
	if a.Scoring != nil {
		rule = *a.Scoring
	}

	questions := make([]round.Question[QuizQuestion, string], len(a.Questions))
	for i, q := range a.Questions {
		questions[i] = round.Question[QuizQuestion, string]{
			Payload: QuizQuestion{Prompt: q.Prompt, Choices: q.Choices, Media: q.Media},
			Answer:  q.Correct,
		}
	}

	return round.Game[QuizQuestion, string]{
		ID:          a.ID,
		Questions:   questions,
		ListenFirst: a.ListenFirst,
		Rule:        rule,
		Validate:    validateQuestion,
		Equal:       sameChoice,
	}
}

func validateQuestion(q QuizQuestion) error {
	if strings.TrimSpace(q.Prompt) == "" {
		return errors.New("empty prompt")
	}
	if len(q.Choices) < 2 {
		return fmt.Errorf("need at least two choices, got %d", len(q.Choices))
	}
	return nil
}

func sameChoice(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func containsChoice(choices []string, answer string) bool {
	for _, c := range choices {
		if sameChoice(c, answer) {
			return true
		}
	}
	return false
}

// Library holds the lessons a gateway can start sessions from.
type Library struct {
	lessons map[string]*Lesson
}

// LoadDir loads every .yaml/.yml file in dir.
func LoadDir(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read lesson dir %s: %w", dir, err)
	}

	lib := &Library{lessons: make(map[string]*Lesson)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		l, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := lib.Add(l); err != nil {
			return nil, err
		}
	}

	log.Info().Str("dir", dir).Int("lessons", len(lib.lessons)).Msg("lessons loaded")
	return lib, nil
}

// NewLibrary builds a library from already parsed lessons.
func NewLibrary(lessons ...*Lesson) (*Library, error) {
	lib := &Library{lessons: make(map[string]*Lesson)}
	for _, l := range lessons {
		if err := lib.Add(l); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

func (lib *Library) Add(l *Lesson) error {
	if _, exists := lib.lessons[l.ID]; exists {
		return fmt.Errorf("%w: duplicate lesson id %q", ErrInvalidLesson, l.ID)
	}
	lib.lessons[l.ID] = l
	return nil
}

func (lib *Library) Get(id string) (*Lesson, error) {
	l, ok := lib.lessons[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLessonNotFound, id)
	}
	return l, nil
}

// IDs returns the lesson ids in sorted order.
func (lib *Library) IDs() []string {
	ids := make([]string, 0, len(lib.lessons))
	for id := range lib.lessons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
