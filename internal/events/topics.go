package events

const (
	// TopicCheck carries watchdog.CheckEvent after every connectivity check.
	TopicCheck = "watchdog.check"
	// TopicRecovery carries watchdog.RecoveryEvent per attempt and on
	// terminal recovery outcomes.
	TopicRecovery = "watchdog.recovery"
	// TopicState carries watchdog.StateChangeEvent when the loop starts
	// or halts.
	TopicState = "watchdog.state"
	// TopicRotation carries watchdog.RotationEvent when the browser
	// session is rotated.
	TopicRotation = "watchdog.rotation"
)
