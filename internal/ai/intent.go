package ai

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/hray3182/remindline/internal/models"
)

const (
	ActionCreate  = "create_reminder"
	ActionCancel  = "cancel_reminder"
	ActionList    = "list_reminder"
	ActionUnknown = "unknown"
)

var ErrMissingParameter = errors.New("missing parameter")

const (
	dateTimeLayout = "2006-01-02 15:04"
	dateLayout     = "2006-01-02"
)

type Intent struct {
	Action         string            `json:"action"`
	Parameters     map[string]string `json:"parameters"`
	NeedMoreInfo   bool              `json:"need_more_info"`
	FollowUpPrompt string            `json:"follow_up_prompt"`
	AIMessage      string            `json:"ai_message"`
	RawResponse    string            `json:"-"`
}

func (i *Intent) param(key string) string {
	return strings.TrimSpace(i.Parameters[key])
}

// Draft is a create request extracted from an intent, before validation.
type Draft struct {
	Title      string
	DueAt      time.Time
	Repeat     models.RepeatSpec
	Recipients []string
}

// Draft converts the create parameters. Times are read on the wall clock of loc.
func (i *Intent) Draft(loc *time.Location) (*Draft, error) {
	if loc == nil {
		loc = time.UTC
	}

	d := &Draft{Title: i.param("title")}
	if d.Title == "" {
		d.Title = i.param("content")
	}
	if d.Title == "" {
		return nil, errors.Wrap(ErrMissingParameter, "title")
	}

	due := i.param("due_at")
	if due == "" {
		return nil, errors.Wrap(ErrMissingParameter, "due_at")
	}
	dueAt, err := time.ParseInLocation(dateTimeLayout, due, loc)
	if err != nil {
		return nil, errors.Wrapf(err, "parse due_at %q", due)
	}
	d.DueAt = dueAt.UTC()

	repeat, err := i.repeat(loc)
	if err != nil {
		return nil, err
	}
	d.Repeat = repeat

	for _, name := range strings.FieldsFunc(i.param("recipients"), func(r rune) bool {
		return r == ',' || r == '，' || r == ' '
	}) {
		if name = strings.TrimPrefix(name, "@"); name != "" {
			d.Recipients = append(d.Recipients, name)
		}
	}
	return d, nil
}

func (i *Intent) repeat(loc *time.Location) (models.RepeatSpec, error) {
	kind := models.RepeatKind(strings.ToLower(i.param("repeat")))
	switch kind {
	case "", "none", models.RepeatOnce:
		return models.Once(), nil
	}

	spec := models.RepeatSpec{Kind: kind}
	if raw := i.param("interval"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return spec, errors.Wrapf(models.ErrInvalidRepeat, "interval %q", raw)
		}
		spec.Interval = n
	}

	if raw := i.param("end_at"); raw != "" {
		end, err := parseEnd(raw, loc)
		if err != nil {
			return spec, err
		}
		spec.EndAt = &end
	}
	return spec, spec.Validate()
}

// parseEnd accepts a date (inclusive through the end of that day) or a date and time.
func parseEnd(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(dateTimeLayout, raw, loc); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(models.ErrInvalidRepeat, "parse end_at %q", raw)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 0, 0, loc).UTC(), nil
}

// ReminderID returns the id parameter of a cancel intent.
func (i *Intent) ReminderID() (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(i.param("id"), "#"), 10, 64)
	return id, err == nil && id > 0
}

func (i *Intent) Keyword() string {
	return i.param("keyword")
}

// All reports whether a cancel intent targets every reminder.
func (i *Intent) All() bool {
	return strings.EqualFold(i.param("scope"), "all")
}
