package eventproto

import (
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

// Publisher is a run observer that encodes every notification as an
// envelope and hands it to publish
type Publisher struct {
	publish func(msgType string, data []byte)
}

var (
	_ runner.Observer          = (*Publisher)(nil)
	_ runner.LifecycleObserver = (*Publisher)(nil)
)

// NewPublisher creates a publisher
func NewPublisher(publish func(msgType string, data []byte)) *Publisher {
	return &Publisher{publish: publish}
}

func (p *Publisher) send(msgType string, payload interface{}) {
	data, err := MarshalEnvelope(msgType, payload)
	if err != nil {
		return
	}
	p.publish(msgType, data)
}

func (p *Publisher) OnStateChanged(phase domain.RunPhase) {
	p.send(TypeState, StateMessage{Phase: phase})
}

func (p *Publisher) OnProgressUpdated(pr progress.Progress) {
	p.send(TypeProgress, ProgressMessage{Progress: pr, Percentage: pr.Percentage()})
}

func (p *Publisher) OnTestStarted(id string) {
	p.send(TypeTestStarted, TestMessage{ID: id})
}

func (p *Publisher) OnTestResult(id string, outcome domain.Outcome) {
	p.send(TypeTestResult, TestMessage{ID: id, Outcome: outcome})
}

func (p *Publisher) OnOutputLine(line string) {
	p.send(TypeOutput, OutputMessage{Line: line})
}

func (p *Publisher) OnDiagnostic(err error) {
	p.send(TypeDiagnostic, DiagnosticMessage{Message: err.Error()})
}

func (p *Publisher) OnRunStarted(info runner.RunInfo) {
	p.send(TypeRunStarted, RunStartedMessage{
		RunID:     info.ID,
		Args:      info.Args,
		Paths:     info.Paths,
		StartedAt: info.StartedAt,
	})
}

func (p *Publisher) OnRunFinished(s runner.RunSummary) {
	p.send(TypeRunFinished, RunFinishedMessage{
		RunID:      s.ID,
		Phase:      s.Phase,
		ExitCode:   s.ExitCode,
		Progress:   s.Progress,
		FinishedAt: s.FinishedAt,
	})
}
