package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/malarialab/smearscan/internal/diagnosis"
)

// DiagnosisMessage is the payload published for every stored diagnosis.
// It carries no patient identifiers.
type DiagnosisMessage struct {
	TestID               string    `json:"testId"`
	SessionID            string    `json:"sessionId,omitempty"`
	Status               string    `json:"status"`
	MostProbableParasite string    `json:"mostProbableParasite,omitempty"`
	ParasiteFullName     string    `json:"parasiteFullName,omitempty"`
	Confidence           float64   `json:"confidence"`
	TotalParasites       int       `json:"totalParasites"`
	TotalWbcs            int       `json:"totalWbcs"`
	ParasiteWbcRatio     float64   `json:"parasiteWbcRatio"`
	SeverityLevel        string    `json:"severityLevel"`
	SeverityScore        float64   `json:"severityScore"`
	Images               int       `json:"images"`
	ModelVersion         string    `json:"modelVersion"`
	Timestamp            time.Time `json:"timestamp"`
}

// NewDiagnosisMessage builds the message for ev.
func NewDiagnosisMessage(ev diagnosis.Event) DiagnosisMessage {
	d := ev.Diagnosis
	msg := DiagnosisMessage{
		TestID:           ev.Test.TestID,
		SessionID:        ev.SessionID,
		Status:           d.Status,
		Confidence:       d.Confidence,
		TotalParasites:   d.TotalParasites,
		TotalWbcs:        d.TotalWbcs,
		ParasiteWbcRatio: d.ParasiteWbcRatio,
		SeverityLevel:    d.SeverityLevel,
		SeverityScore:    d.SeverityScore,
		Images:           len(d.Detections),
		ModelVersion:     d.ModelVersion,
		Timestamp:        d.CreatedAt,
	}
	if d.MostProbableParasiteType != nil {
		msg.MostProbableParasite = *d.MostProbableParasiteType
	}
	if d.MostProbableParasiteFullName != nil {
		msg.ParasiteFullName = *d.MostProbableParasiteFullName
	}
	return msg
}

// Publisher publishes committed diagnoses. It implements diagnosis.Listener.
type Publisher struct {
	client Client
	topic  string
}

// NewPublisher creates a Publisher sending to topic.
func NewPublisher(client Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

func (p *Publisher) Name() string { return componentName }

// OnDiagnosis publishes ev, connecting first when the client is offline.
func (p *Publisher) OnDiagnosis(ctx context.Context, ev diagnosis.Event) error {
	payload, err := json.Marshal(NewDiagnosisMessage(ev))
	if err != nil {
		return fmt.Errorf("marshal diagnosis message: %w", err)
	}
	if !p.client.IsConnected() {
		if err := p.client.Connect(ctx); err != nil {
			return err
		}
	}
	return p.client.Publish(ctx, p.topic, string(payload))
}
