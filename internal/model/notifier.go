package model

// Notifier is a pluggable sink for delivering alert summaries out of band.
type Notifier interface {
	Send(subject, body string) error
}
