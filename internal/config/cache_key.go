package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionKey returns the cache key for a session's JSON record
func (r *CacheKeyStruct) SessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// SessionPresenceKey returns the set of attempt IDs currently connected to a session
func (r *CacheKeyStruct) SessionPresenceKey(sessionID string) string {
	return fmt.Sprintf("session:%s:presence", sessionID)
}

// SessionEventsChannel returns the Redis PubSub channel for a session's broadcast events
func (r *CacheKeyStruct) SessionEventsChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

// StudentAttemptKey returns the cache key mapping a student to their attempt in a session
func (r *CacheKeyStruct) StudentAttemptKey(sessionID, studentID string) string {
	return fmt.Sprintf("session:%s:student:%s:attempt", sessionID, studentID)
}

// AttemptKey returns the hash holding an attempt's scalar fields
func (r *CacheKeyStruct) AttemptKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s", attemptID)
}

// AttemptAnswersKey returns the hash of question ID to answer for an attempt
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// AttemptHighlightsKey returns the list of JSON highlights for an attempt
func (r *CacheKeyStruct) AttemptHighlightsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:highlights", attemptID)
}

// AttemptViolationsKey returns the list of violation timestamps for an attempt
func (r *CacheKeyStruct) AttemptViolationsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:violations", attemptID)
}

// OutboxKey returns the list key of a client's pending durable writes for a session
func (r *CacheKeyStruct) OutboxKey(sessionID string) string {
	return fmt.Sprintf("examsync:outbox:%s", sessionID)
}

var CacheKey = NewCacheKeyStruct()
