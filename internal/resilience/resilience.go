// Package resilience decides what to do when a signing session or reconstruction request
// stalls. The decision functions are pure: they read a ConsensusState and a config and never
// touch storage.
package resilience

import (
	"fmt"
	"sort"
	"time"

	"guardian-node/internal/config"
	"guardian-node/internal/custody"
)

// Strategy is a fallback chosen for a stalled item.
type Strategy string

const (
	StrategyNone              Strategy = "none"
	StrategyBackupGuardians   Strategy = "backup_guardians"
	StrategyReducedQuorum     Strategy = "reduced_quorum"
	StrategyEmergencyRecovery Strategy = "emergency_recovery"
)

// Severity grades a timeout notification.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Action is a choice offered to the user in a timeout notification.
type Action string

const (
	ActionWait                   Action = "wait"
	ActionContactGuardians       Action = "contact_guardians"
	ActionUseBackupGuardians     Action = "use_backup_guardians"
	ActionProceedReducedQuorum   Action = "proceed_reduced_quorum"
	ActionStartEmergencyRecovery Action = "start_emergency_recovery"
	ActionCancel                 Action = "cancel"
)

// ConsensusState is a storage-agnostic view of a session or request waiting on guardians.
type ConsensusState struct {
	SubjectID   string              `json:"subjectId"`
	SubjectKind custody.SubjectKind `json:"subjectKind"`
	GroupID     string              `json:"groupId"`
	StartedAt   time.Time           `json:"startedAt"`
	// Deadline is the item's own expiry. When zero the configured timeout applies.
	Deadline          time.Time `json:"deadline,omitempty"`
	RequiredThreshold int       `json:"requiredThreshold"`
	// MinimumThreshold is the lowest threshold the item can still complete with.
	MinimumThreshold int      `json:"minimumThreshold"`
	Participants     []string `json:"participants"`
	Approved         []string `json:"approved"`
	// Silent lists participants that have not approved, including those who declined.
	Silent  []string `json:"silent"`
	Backups []string `json:"backups"`
}

func (s *ConsensusState) Approvals() int { return len(s.Approved) }

// StateFromSession builds the view of a signing session. A nonce commitment counts as an
// approval; backups already taking part are not offered again.
func StateFromSession(s *custody.SigningSession, group *custody.Group) *ConsensusState {
	st := &ConsensusState{
		SubjectID:         s.ID,
		SubjectKind:       custody.SubjectSigningSession,
		GroupID:           s.GroupID,
		StartedAt:         s.CreatedAt,
		Deadline:          s.ExpiresAt,
		RequiredThreshold: s.Threshold,
		MinimumThreshold:  group.SigningThreshold,
		Participants:      append([]string(nil), s.Participants...),
	}
	for _, p := range s.Participants {
		if _, ok := s.NonceCommitments[p]; ok {
			st.Approved = append(st.Approved, p)
		} else {
			st.Silent = append(st.Silent, p)
		}
	}
	for _, b := range group.Backups() {
		if !s.IsEligible(b) {
			st.Backups = append(st.Backups, b)
		}
	}
	sort.Strings(st.Approved)
	sort.Strings(st.Silent)
	return st
}

// StateFromRequest builds the view of a reconstruction request. Backups hold no key shares, so
// none are offered.
func StateFromRequest(r *custody.ReconstructionRequest, group *custody.Group) *ConsensusState {
	st := &ConsensusState{
		SubjectID:         r.ID,
		SubjectKind:       custody.SubjectReconstructionRequest,
		GroupID:           r.GroupID,
		StartedAt:         r.CreatedAt,
		Deadline:          r.ExpiresAt,
		RequiredThreshold: r.RequiredThreshold,
		MinimumThreshold:  1,
		Participants:      group.Members(),
	}
	supplied := make(map[string]bool, len(r.Responses))
	for _, resp := range r.Responses {
		if resp.ProvidedShare {
			supplied[resp.GuardianID] = true
		}
	}
	for _, m := range st.Participants {
		if supplied[m] {
			st.Approved = append(st.Approved, m)
		} else {
			st.Silent = append(st.Silent, m)
		}
	}
	sort.Strings(st.Approved)
	sort.Strings(st.Silent)
	return st
}

// Timeout is the total time the item is given to reach consensus.
func Timeout(st *ConsensusState, cfg config.ResilienceConfig) time.Duration {
	if !st.Deadline.IsZero() && st.Deadline.After(st.StartedAt) {
		return st.Deadline.Sub(st.StartedAt)
	}
	return cfg.Timeout
}

func elapsedAtLeast(st *ConsensusState, cfg config.ResilienceConfig, now time.Time, fraction float64) bool {
	limit := time.Duration(float64(Timeout(st, cfg)) * fraction)
	return now.Sub(st.StartedAt) >= limit
}

func HasTimedOut(st *ConsensusState, cfg config.ResilienceConfig, now time.Time) bool {
	return elapsedAtLeast(st, cfg, now, 1)
}

func ShouldWarnAboutTimeout(st *ConsensusState, cfg config.ResilienceConfig, now time.Time) bool {
	return elapsedAtLeast(st, cfg, now, cfg.WarningFraction)
}

func ShouldActivateEmergencyRecovery(st *ConsensusState, cfg config.ResilienceConfig, now time.Time) bool {
	return elapsedAtLeast(st, cfg, now, cfg.EmergencyFraction)
}

// Fallback is the outcome of DetermineBestFallback.
type Fallback struct {
	Strategy Strategy `json:"strategy"`
	// Replaced and Backups are set for StrategyBackupGuardians, pairwise.
	Replaced []string `json:"replaced,omitempty"`
	Backups  []string `json:"backups,omitempty"`
	// ReducedThreshold is set for StrategyReducedQuorum.
	ReducedThreshold int    `json:"reducedThreshold,omitempty"`
	Reason           string `json:"reason"`
}

// DetermineBestFallback picks, in order of preference: substituting backup guardians for
// silent participants, proceeding with a threshold reduced by one when the approvals already
// meet it, and a time-locked emergency recovery path.
func DetermineBestFallback(st *ConsensusState, cfg config.ResilienceConfig) Fallback {
	if st.Approvals() >= st.RequiredThreshold {
		return Fallback{Strategy: StrategyNone, Reason: "threshold already met"}
	}

	if cfg.EnableBackupGuardians && len(st.Backups) > 0 && len(st.Silent) > 0 {
		n := min(len(st.Silent), len(st.Backups), st.RequiredThreshold-st.Approvals())
		return Fallback{
			Strategy: StrategyBackupGuardians,
			Replaced: append([]string(nil), st.Silent[:n]...),
			Backups:  ElectBackups(st.SubjectID, st.Backups, n),
			Reason:   fmt.Sprintf("%d backup guardians stand in for silent participants", n),
		}
	}

	if cfg.EnableReducedQuorum {
		reduced := st.RequiredThreshold - 1
		floor := max(cfg.MinimumQuorum, st.MinimumThreshold, 1)
		if reduced >= floor && st.Approvals() >= reduced {
			return Fallback{
				Strategy:         StrategyReducedQuorum,
				ReducedThreshold: reduced,
				Reason:           fmt.Sprintf("%d approvals meet the reduced threshold %d", st.Approvals(), reduced),
			}
		}
	}

	if cfg.EnableEmergencyRecovery {
		return Fallback{
			Strategy: StrategyEmergencyRecovery,
			Reason:   fmt.Sprintf("%d of %d approvals and no other fallback applies", st.Approvals(), st.RequiredThreshold),
		}
	}
	return Fallback{Strategy: StrategyNone, Reason: "no fallback enabled"}
}

// Notification tells the user an item is stalling and what can be done about it.
type Notification struct {
	SubjectID   string              `json:"subjectId"`
	SubjectKind custody.SubjectKind `json:"subjectKind"`
	GroupID     string              `json:"groupId"`
	Severity    Severity            `json:"severity"`
	Strategy    Strategy            `json:"strategy"`
	Message     string              `json:"message"`
	Actions     []Action            `json:"actions"`
	Recipients  []string            `json:"recipients"`
	Elapsed     time.Duration       `json:"elapsed"`
	Remaining   time.Duration       `json:"remaining"`
}

var actions = map[Strategy][]Action{
	StrategyNone:              {ActionWait, ActionContactGuardians, ActionCancel},
	StrategyBackupGuardians:   {ActionUseBackupGuardians, ActionWait, ActionCancel},
	StrategyReducedQuorum:     {ActionProceedReducedQuorum, ActionContactGuardians, ActionCancel},
	StrategyEmergencyRecovery: {ActionStartEmergencyRecovery, ActionContactGuardians, ActionCancel},
}

var severities = map[Strategy]Severity{
	StrategyNone:              SeverityWarning,
	StrategyBackupGuardians:   SeverityWarning,
	StrategyReducedQuorum:     SeverityError,
	StrategyEmergencyRecovery: SeverityCritical,
}

// GenerateTimeoutNotification maps the state and chosen fallback to a notification.
func GenerateTimeoutNotification(st *ConsensusState, fb Fallback, cfg config.ResilienceConfig, now time.Time) Notification {
	elapsed := now.Sub(st.StartedAt)
	remaining := Timeout(st, cfg) - elapsed
	if remaining < 0 {
		remaining = 0
	}
	severity, ok := severities[fb.Strategy]
	if !ok {
		severity = SeverityWarning
	}
	recipients := append([]string(nil), st.Participants...)
	recipients = append(recipients, fb.Backups...)

	return Notification{
		SubjectID:   st.SubjectID,
		SubjectKind: st.SubjectKind,
		GroupID:     st.GroupID,
		Severity:    severity,
		Strategy:    fb.Strategy,
		Message: fmt.Sprintf("%s %s has %d of %d approvals after %s: %s",
			st.SubjectKind, st.SubjectID, st.Approvals(), st.RequiredThreshold, elapsed.Round(time.Second), fb.Reason),
		Actions:    append([]Action(nil), actions[fb.Strategy]...),
		Recipients: recipients,
		Elapsed:    elapsed,
		Remaining:  remaining,
	}
}
