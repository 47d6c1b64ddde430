package stream

import "github.com/jxucoder/muse/model"

// Observer receives a Session's observable effects. Methods run
// synchronously on the session's delivery path, in order, and must not
// call back into the Session.
type Observer interface {
	// OnText receives the full accumulated text after every change.
	OnText(text string)
	OnStatus(status model.StreamStatus)
	// OnOutcome is called exactly once per request.
	OnOutcome(o Outcome)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Text    func(string)
	Status  func(model.StreamStatus)
	Outcome func(Outcome)
}

func (f ObserverFuncs) OnText(text string) {
	if f.Text != nil {
		f.Text(text)
	}
}

func (f ObserverFuncs) OnStatus(status model.StreamStatus) {
	if f.Status != nil {
		f.Status(status)
	}
}

func (f ObserverFuncs) OnOutcome(o Outcome) {
	if f.Outcome != nil {
		f.Outcome(o)
	}
}

// Observers fans events out to several observers in order.
type Observers []Observer

func (os Observers) OnText(text string) {
	for _, o := range os {
		o.OnText(text)
	}
}

func (os Observers) OnStatus(status model.StreamStatus) {
	for _, o := range os {
		o.OnStatus(status)
	}
}

func (os Observers) OnOutcome(out Outcome) {
	for _, o := range os {
		o.OnOutcome(out)
	}
}
