package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/repository"
)

// MonitorService orchestrates the supervisor's live session monitor.
type MonitorService struct {
	monitorRepo *repository.MonitorRepository
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo *repository.MonitorRepository) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo}
}

// RosterSnapshot is the supervisor's view of every attempt in a session.
type RosterSnapshot struct {
	Students        []repository.RosterEntry `json:"students"`
	TotalJoined     int                      `json:"total_joined"`
	TotalConnected  int                      `json:"total_connected"`
	TotalSubmitted  int                      `json:"total_submitted"`
	TotalViolations int                      `json:"total_violations"`
}

// GetRoster returns the roster decorated with answered counts and presence.
// The three fetches run in parallel; answered counts and presence are best-effort.
func (s *MonitorService) GetRoster(ctx context.Context, sessionID uuid.UUID) (*RosterSnapshot, error) {
	var (
		roster      []repository.RosterEntry
		answered    map[string]int64
		connected   map[string]bool
		rosterErr   error
		answeredErr error
		presenceErr error
		wg          sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		roster, rosterErr = s.monitorRepo.ListRoster(ctx, sessionID)
	}()
	go func() {
		defer wg.Done()
		answered, answeredErr = s.monitorRepo.GetAnsweredCounts(ctx, sessionID)
	}()
	go func() {
		defer wg.Done()
		connected, presenceErr = s.monitorRepo.GetConnected(ctx, sessionID.String())
	}()
	wg.Wait()

	if rosterErr != nil {
		return nil, rosterErr
	}

	snapshot := &RosterSnapshot{Students: make([]repository.RosterEntry, 0, len(roster))}
	for _, e := range roster {
		if answeredErr == nil {
			e.AnsweredCount = answered[e.AttemptID]
		}
		if presenceErr == nil {
			e.Connected = connected[e.AttemptID]
		}
		if e.Connected {
			snapshot.TotalConnected++
		}
		if e.Status == model.AttemptStatusSubmitted {
			snapshot.TotalSubmitted++
		}
		snapshot.TotalViolations += e.ViolationCount
		snapshot.Students = append(snapshot.Students, e)
	}
	snapshot.TotalJoined = len(snapshot.Students)
	return snapshot, nil
}
