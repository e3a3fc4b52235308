// Package notification sends push notifications about stored diagnoses
// through shoutrrr service URLs.
package notification

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"regexp"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/datastore"
	"github.com/malarialab/smearscan/internal/diagnosis"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/logger"
	"github.com/malarialab/smearscan/internal/observability/metrics"
)

const componentName = "notification"

// Sender delivers one message to every configured service.
// *router.ServiceRouter satisfies it.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// Notifier implements diagnosis.Listener.
type Notifier struct {
	sender       Sender
	positiveOnly bool
	log          logger.Logger
	recorder     metrics.Recorder
}

// NewNotifier builds a Notifier from settings, validating every URL.
func NewNotifier(settings *conf.NotificationSettings, log logger.Logger, recorder metrics.Recorder) (*Notifier, error) {
	urls := slices.DeleteFunc(slices.Clone(settings.URLs), func(u string) bool {
		return strings.TrimSpace(u) == ""
	})
	if len(urls) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.New(redact(err)).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("services", len(urls)).
			Build()
	}
	if settings.Timeout > 0 {
		sender.Timeout = settings.Timeout
	}
	sender.SetLogger(stdlog.New(io.Discard, "", 0))

	return newNotifier(sender, settings.PositiveOnly, log, recorder), nil
}

func newNotifier(sender Sender, positiveOnly bool, log logger.Logger, recorder metrics.Recorder) *Notifier {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &Notifier{
		sender:       sender,
		positiveOnly: positiveOnly,
		log:          log,
		recorder:     metrics.OrNoOp(recorder),
	}
}

func (n *Notifier) Name() string { return componentName }

// OnDiagnosis sends a notification for ev. Negative results are skipped
// when the notifier is positive-only.
func (n *Notifier) OnDiagnosis(_ context.Context, ev diagnosis.Event) error {
	if n.positiveOnly && ev.Diagnosis.Status != datastore.DiagnosisPositive {
		return nil
	}

	title, message := Format(ev)
	params := stypes.Params{}
	params.SetTitle(title)

	start := time.Now()
	errs := n.sender.Send(message, &params)
	n.recorder.RecordDuration(metrics.OpNotification, time.Since(start).Seconds())

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, redact(err))
		}
	}
	if len(failed) > 0 {
		n.recorder.RecordError(metrics.OpNotification, metrics.StatusError)
		return errors.New(errors.Join(failed...)).
			Component(componentName).
			Category(errors.CategoryNotification).
			Context("failed_services", len(failed)).
			Build()
	}

	n.recorder.RecordOperation(metrics.OpNotification, metrics.StatusSuccess)
	n.log.Debug("notification sent",
		logger.String("test_id", ev.Test.TestID),
		logger.String("status", ev.Diagnosis.Status))
	return nil
}

// Format renders the title and body of the notification for ev.
func Format(ev diagnosis.Event) (title, message string) {
	d := ev.Diagnosis
	if d.Status != datastore.DiagnosisPositive {
		return fmt.Sprintf("Malaria test %s negative", ev.Test.TestID),
			fmt.Sprintf("No parasites detected in %d images (%d WBCs counted).", len(d.Detections), d.TotalWbcs)
	}

	species := "unknown species"
	if d.MostProbableParasiteFullName != nil {
		species = *d.MostProbableParasiteFullName
	}
	title = fmt.Sprintf("Malaria test %s positive (%s)", ev.Test.TestID, cases.Title(language.English).String(d.SeverityLevel))
	message = fmt.Sprintf("%s detected with %.0f%% confidence. Parasites: %d, WBCs: %d, parasite/WBC ratio %.3f. %s.",
		species, d.Confidence*100, d.TotalParasites, d.TotalWbcs, d.ParasiteWbcRatio, d.SeverityDescription)
	return title, message
}

var serviceURL = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"']+`)

// redact strips service URLs, which carry tokens, from err.
func redact(err error) error {
	return errors.NewStd(serviceURL.ReplaceAllString(err.Error(), "[redacted-url]"))
}
