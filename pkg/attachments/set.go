package attachments

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coursehub/coursehub/pkg/utils"
)

var (
	// ErrSlotOccupied is returned when a second file is added to a single-valued slot.
	ErrSlotOccupied    = errors.New("attachment slot already holds a file")
	ErrUnknownSlot     = errors.New("unknown attachment slot")
	ErrUnsupportedType = errors.New("unsupported file type for slot")
)

// Slot declares a named multipart field that accepts files.
type Slot struct {
	Field      string
	Multi      bool
	Extensions []string
}

// Set collects attachments for a form while enforcing per-slot cardinality.
type Set struct {
	mu    sync.RWMutex
	slots map[string]Slot
	order []string
	files map[string][]Attachment
}

func NewSet(slots ...Slot) *Set {
	s := &Set{
		slots: make(map[string]Slot, len(slots)),
		files: make(map[string][]Attachment, len(slots)),
	}
	for _, slot := range slots {
		if _, dup := s.slots[slot.Field]; !dup {
			s.order = append(s.order, slot.Field)
		}
		s.slots[slot.Field] = slot
	}
	return s
}

// Add places a into its slot.
func (s *Set) Add(a Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[a.Field]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, a.Field)
	}
	if len(slot.Extensions) > 0 && !utils.HasExtension(a.FileName, slot.Extensions...) {
		return fmt.Errorf("%w: %s does not accept %s", ErrUnsupportedType, a.Field, a.FileName)
	}
	if !slot.Multi && len(s.files[a.Field]) > 0 {
		return fmt.Errorf("%w: %s", ErrSlotOccupied, a.Field)
	}
	s.files[a.Field] = append(s.files[a.Field], a)
	return nil
}

// AddFile is Add for a file on disk.
func (s *Set) AddFile(field, path string) error {
	a, err := FromLocalFile(field, path)
	if err != nil {
		return err
	}
	return s.Add(a)
}

func (s *Set) Count(field string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files[field])
}

// IsMulti reports whether field is declared as multi-valued.
func (s *Set) IsMulti(field string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[field].Multi
}

// All returns every attachment in slot declaration order, then insertion order.
func (s *Set) All() []Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Attachment
	for _, field := range s.order {
		out = append(out, s.files[field]...)
	}
	return out
}

// MultiFields lists the slots that accept more than one file.
func (s *Set) MultiFields() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, field := range s.order {
		if s.slots[field].Multi {
			out = append(out, field)
		}
	}
	return out
}

// TotalSize sums the size of all attachments.
func (s *Set) TotalSize() int64 {
	var total int64
	for _, a := range s.All() {
		total += a.Size
	}
	return total
}
