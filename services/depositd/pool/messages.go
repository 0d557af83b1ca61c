package pool

import (
	"fmt"
	"time"
)

func queuedMessage(windowStart time.Time, validity time.Duration) string {
	return fmt.Sprintf(
		"All deposit addresses are currently busy. Your turn starts at %s UTC; you will then have %s to send your deposit.",
		windowStart.UTC().Format("15:04:05"), formatSpan(validity))
}

func depositMessage(address string, validity time.Duration) string {
	return fmt.Sprintf(
		"Your deposit address is ready. Send your deposit to %s within the next %s.",
		address, formatSpan(validity))
}

func reminderMessage(address string, remaining time.Duration) string {
	return fmt.Sprintf(
		"Reminder: your deposit address %s remains reserved for about %s.",
		address, formatSpan(remaining))
}

func timeoutMessage(address string) string {
	return fmt.Sprintf(
		"Your reservation for deposit address %s has expired. Request a new deposit to try again.",
		address)
}

func formatSpan(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) - minutes*60
	if seconds == 0 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	return fmt.Sprintf("%d minutes %d seconds", minutes, seconds)
}
