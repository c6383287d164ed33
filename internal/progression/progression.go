// Package progression owns the per-user device unlock state machine: which
// device kinds a user has unlocked and which one they currently operate.
package progression

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/camplink/camplink/internal/database"
	"github.com/camplink/camplink/internal/radio"
)

var (
	// ErrAlreadyUnlocked reports an unlock attempt for a kind the user owns.
	// Callers treat it as an idempotent no-op rather than a hard failure.
	ErrAlreadyUnlocked = errors.New("device already unlocked")
	ErrUnknownKind     = errors.New("unknown device kind")
	// ErrNotUnlocked reports a switch to a kind the user has not unlocked.
	ErrNotUnlocked = errors.New("device not unlocked")
)

// MissingPrerequisiteError reports that the prerequisite device kind is still
// locked for this user.
type MissingPrerequisiteError struct {
	Kind radio.Kind
}

func (e *MissingPrerequisiteError) Error() string {
	return fmt.Sprintf("requires %s to be unlocked first", e.Kind)
}

// InsufficientTerritoriesError carries the shortfall so the UI can show an
// actionable message.
type InsufficientTerritoriesError struct {
	Have, Need int
}

func (e *InsufficientTerritoriesError) Error() string {
	return fmt.Sprintf("requires %d territories, have %d", e.Need, e.Have)
}

// ResourceShortfall is one resource the user cannot cover.
type ResourceShortfall struct {
	Resource string `json:"resource"`
	Have     int    `json:"have"`
	Need     int    `json:"need"`
}

// InsufficientResourcesError lists every shortfall at once: costs are
// evaluated in full before failing, never short-circuited.
type InsufficientResourcesError struct {
	Shortfalls []ResourceShortfall
}

func (e *InsufficientResourcesError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = fmt.Sprintf("%s %d/%d", s.Resource, s.Have, s.Need)
	}
	return "insufficient resources: " + strings.Join(parts, ", ")
}

// ResourceLedger is the inventory system, an external collaborator. Balances
// are read here; the deduction itself happens inside the unlock transaction.
type ResourceLedger interface {
	QuantityOf(accountId int, resource string) (int, error)
}

// TerritoryCounter is the territory system, an external collaborator.
type TerritoryCounter interface {
	OwnedTerritoryCount(accountId int) (int, error)
}

// Service validates and applies device progression transitions. All writes
// for one user are serialized under a per-user lock so a current-device swap
// is last-writer-wins, never zero or two current kinds.
type Service struct {
	log         *log.Logger
	db          database.CamplinkRepository
	ledger      ResourceLedger
	territories TerritoryCounter

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

func NewService(logger *log.Logger, db database.CamplinkRepository, ledger ResourceLedger, territories TerritoryCounter) *Service {
	return &Service{
		log:         logger,
		db:          db,
		ledger:      ledger,
		territories: territories,
		locks:       make(map[int]*sync.Mutex),
	}
}

func (s *Service) userLock(accountId int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[accountId]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountId] = l
	}
	return l
}

// Devices returns the user's per-kind state, creating the default row lazily.
func (s *Service) Devices(accountId int) ([]database.Device, error) {
	return s.db.EnsureDevices(accountId)
}

// CurrentKind returns the device kind the user currently operates.
func (s *Service) CurrentKind(accountId int) (radio.Kind, error) {
	devices, err := s.db.EnsureDevices(accountId)
	if err != nil {
		return "", err
	}

	for _, d := range devices {
		if d.IsCurrent {
			return radio.Kind(d.Kind), nil
		}
	}

	// Rows predating the lazy default should not exist, but fall back to
	// the default kind rather than failing the caller.
	return radio.DefaultKind, nil
}

// AttemptUnlock runs the unlock validation chain for kind and, if it passes,
// deducts all resource costs and flips the unlock flag in one repository
// transaction. The current device is not switched.
func (s *Service) AttemptUnlock(accountId int, kind radio.Kind) error {
	spec, ok := radio.SpecFor(kind)
	if !ok {
		return ErrUnknownKind
	}

	l := s.userLock(accountId)
	l.Lock()
	defer l.Unlock()

	devices, err := s.db.EnsureDevices(accountId)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	unlocked := make(map[radio.Kind]bool, len(devices))
	for _, d := range devices {
		if d.IsUnlocked {
			unlocked[radio.Kind(d.Kind)] = true
		}
	}

	if unlocked[kind] {
		return ErrAlreadyUnlocked
	}

	if spec.Requires != nil && !unlocked[*spec.Requires] {
		return &MissingPrerequisiteError{Kind: *spec.Requires}
	}

	if spec.MinTerritories > 0 {
		have, err := s.territories.OwnedTerritoryCount(accountId)
		if err != nil {
			return fmt.Errorf("territory count: %w", err)
		}
		if have < spec.MinTerritories {
			return &InsufficientTerritoriesError{Have: have, Need: spec.MinTerritories}
		}
	}

	// Evaluate every cost before failing so the caller can report all
	// shortfalls at once.
	var shortfalls []ResourceShortfall
	for _, cost := range spec.Costs {
		have, err := s.ledger.QuantityOf(accountId, cost.Resource)
		if err != nil {
			return fmt.Errorf("quantity of %s: %w", cost.Resource, err)
		}
		if have < cost.Amount {
			shortfalls = append(shortfalls, ResourceShortfall{
				Resource: cost.Resource,
				Have:     have,
				Need:     cost.Amount,
			})
		}
	}
	if len(shortfalls) > 0 {
		sort.Slice(shortfalls, func(i, j int) bool { return shortfalls[i].Resource < shortfalls[j].Resource })
		return &InsufficientResourcesError{Shortfalls: shortfalls}
	}

	if err := s.db.UnlockDevice(accountId, string(kind), spec.Costs); err != nil {
		return fmt.Errorf("unlock %s: %w", kind, err)
	}

	s.log.Printf("unlocked %q for account %d", kind, accountId)
	return nil
}

// SwitchCurrent makes kind the user's operating device. Only unlocked kinds
// are eligible; the swap itself is atomic in the store.
func (s *Service) SwitchCurrent(accountId int, kind radio.Kind) error {
	if _, ok := radio.SpecFor(kind); !ok {
		return ErrUnknownKind
	}

	l := s.userLock(accountId)
	l.Lock()
	defer l.Unlock()

	devices, err := s.db.EnsureDevices(accountId)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	var found bool
	for _, d := range devices {
		if radio.Kind(d.Kind) == kind && d.IsUnlocked {
			found = true
			break
		}
	}
	if !found {
		return ErrNotUnlocked
	}

	if err := s.db.SetCurrentDevice(accountId, string(kind)); err != nil {
		if errors.Is(err, database.ErrDeviceNotUnlocked) {
			return ErrNotUnlocked
		}
		return fmt.Errorf("switch to %s: %w", kind, err)
	}

	s.log.Printf("account %d switched to %q", accountId, kind)
	return nil
}
