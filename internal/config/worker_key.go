package config

type WorkerKeyStruct struct {
	FinalizeRetryQueue   string
	NotificationSchedule string
	NotificationOutbox   string
}

var WorkerKey = &WorkerKeyStruct{
	FinalizeRetryQueue:   "finalize_retry_queue",
	NotificationSchedule: "result_notification_schedule",
	NotificationOutbox:   "result_notification_outbox",
}
