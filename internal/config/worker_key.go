package config

type WorkerKeyStruct struct {
	PersistAnswersQueue    string
	PersistViolationsQueue string
	PersistHighlightsQueue string
	PersistAttemptsQueue   string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:    "persist_answers_queue",
	PersistViolationsQueue: "persist_violations_queue",
	PersistHighlightsQueue: "persist_highlights_queue",
	PersistAttemptsQueue:   "persist_attempts_queue",
}
