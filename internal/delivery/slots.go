package delivery

import (
	"strconv"
	"time"

	"github.com/shohag/kindlerelay/internal/storage"
)

// Slot is a named four hour window of the UTC day.
type Slot string

const (
	SlotDawn      Slot = "Dawn"      // 04:00
	SlotMorning   Slot = "Morning"   // 08:00
	SlotNoon      Slot = "Noon"      // 12:00
	SlotAfternoon Slot = "Afternoon" // 16:00
	SlotEvening   Slot = "Evening"   // 20:00
	SlotMidnight  Slot = "Midnight"  // 00:00
)

// Slots lists the slots in the order they start, from 04:00 UTC.
var Slots = []Slot{SlotDawn, SlotMorning, SlotNoon, SlotAfternoon, SlotEvening, SlotMidnight}

const (
	firstSlotHour = 4
	slotHours     = 24 / 6
)

// SlotFor returns the slot containing the UTC hour of t.
func SlotFor(t time.Time) Slot {
	h := t.UTC().Hour()
	return Slots[((h-firstSlotHour+24)%24)/slotHours]
}

func IsSlot(s string) bool {
	for _, slot := range Slots {
		if string(slot) == s {
			return true
		}
	}
	return false
}

// DueFilterAt builds the eligibility filter for the given instant.
func DueFilterAt(t time.Time) storage.DueFilter {
	t = t.UTC()
	return storage.DueFilter{
		Slot:     string(SlotFor(t)),
		Weekday:  t.Weekday().String(),
		MonthDay: strconv.Itoa(t.Day()),
	}
}
