package service

import "fmt"

// Outcome event ids are deterministic so that re-recording the same fact
// is a no-op in the event store.

func ScheduledEventName(kind string) string { return kind + "_scheduled" }
func SentEventName(kind string) string      { return kind + "_sent" }
func ErrorEventName(kind string) string     { return kind + "_error" }

func ScheduledEventID(kind string, campaignID, recipientID int64) string {
	return fmt.Sprintf("%s:%d:%d", ScheduledEventName(kind), campaignID, recipientID)
}

func SentEventID(kind string, campaignID, recipientID int64) string {
	return fmt.Sprintf("%s:%d:%d", SentEventName(kind), campaignID, recipientID)
}

// ErrorEventID includes the attempt so each failed attempt is its own fact.
func ErrorEventID(kind string, campaignID, recipientID int64, attempt int) string {
	return fmt.Sprintf("%s:%d:%d:%d", ErrorEventName(kind), campaignID, recipientID, attempt)
}
