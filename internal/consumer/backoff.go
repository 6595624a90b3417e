package consumer

// Redelivery backoff bounds.
const (
	baseDelaySeconds = 15
	maxDelaySeconds  = 900
)

// DelaySeconds computes the redelivery delay for a failed attempt:
// 15s doubling per attempt, capped at 15 minutes. The delay is a hint
// passed to the queue transport, never an in-process wait.
func DelaySeconds(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return maxDelaySeconds
	}
	delay := baseDelaySeconds << (attempt - 1)
	if delay > maxDelaySeconds {
		return maxDelaySeconds
	}
	return delay
}
