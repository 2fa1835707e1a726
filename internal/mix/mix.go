// Package mix interleaves traffic classes within a run and rotates senders across slots.
package mix

import (
	"math"
	"math/rand/v2"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
)

const (
	swapEvery = 5
	swapProb  = 0.25
)

// Labels returns cold+friendly slot labels. Friendly slots are spread every
// round(total/friendly) positions, then every fifth slot may trade places with its neighbour.
// Counts per class are exact.
func Labels(cold, friendly int, rng *rand.Rand) []model.TrafficClass {
	cold, friendly = max(cold, 0), max(friendly, 0)
	total := cold + friendly
	out := make([]model.TrafficClass, 0, total)
	if total == 0 {
		return out
	}

	block := total
	if friendly > 0 {
		block = max(1, int(math.Round(float64(total)/float64(friendly))))
	}

	fLeft, cLeft := friendly, cold
	for i := 0; i < total; i++ {
		if (fLeft > 0 && i%block == 0) || cLeft == 0 {
			out = append(out, model.ClassFriendly)
			fLeft--
			continue
		}
		out = append(out, model.ClassCold)
		cLeft--
	}

	if rng != nil {
		for i := swapEvery - 1; i < total-1; i += swapEvery {
			if rng.Float64() < swapProb {
				out[i], out[i+1] = out[i+1], out[i]
			}
		}
	}

	return out
}

// Partition splits budget by the cold:friendly ratio and hands any shortfall of one class
// to the other. coldAvail/friendlyAvail < 0 mean unknown and are treated as unbounded.
func Partition(budget, coldWeight, friendlyWeight, coldAvail, friendlyAvail int) (cold, friendly int) {
	if budget <= 0 {
		return 0, 0
	}
	capped := func(want, avail int) int {
		if avail >= 0 && want > avail {
			return avail
		}
		return want
	}

	wantF := 0
	if sum := coldWeight + friendlyWeight; sum > 0 {
		wantF = int(math.Round(float64(budget) * float64(friendlyWeight) / float64(sum)))
	}
	friendly = capped(wantF, friendlyAvail)
	cold = capped(budget-friendly, coldAvail)

	// cold came up short: give the rest back to friendly
	if left := budget - cold - friendly; left > 0 {
		if friendlyAvail >= 0 {
			left = min(left, friendlyAvail-friendly)
		}
		friendly += max(left, 0)
	}

	return cold, friendly
}

// Picker rotates through senders round-robin from a random start, steering away from the
// sender used for the previous slot while another one is eligible.
type Picker struct {
	order  []string
	cursor map[model.TrafficClass]int
	last   string
}

func NewPicker(senderIDs []string, rng *rand.Rand) *Picker {
	p := &Picker{
		order:  append([]string(nil), senderIDs...),
		cursor: map[model.TrafficClass]int{},
	}
	if n := len(p.order); n > 0 && rng != nil {
		start := rng.IntN(n)
		p.cursor[model.ClassCold] = start
		p.cursor[model.ClassFriendly] = start
	}

	return p
}

// Next returns the next sender for class that ok accepts, or false when none does.
func (p *Picker) Next(class model.TrafficClass, ok func(senderID string) bool) (string, bool) {
	n := len(p.order)
	start := p.cursor[class]
	fallback := -1
	for k := 0; k < n; k++ {
		idx := (start + k) % n
		id := p.order[idx]
		if !ok(id) {
			continue
		}
		if id == p.last && n > 1 {
			fallback = idx
			continue
		}

		return p.take(class, idx), true
	}

	if fallback >= 0 {
		return p.take(class, fallback), true
	}

	return "", false
}

func (p *Picker) take(class model.TrafficClass, idx int) string {
	p.cursor[class] = (idx + 1) % len(p.order)
	p.last = p.order[idx]

	return p.last
}

// Last is the sender handed out most recently.
func (p *Picker) Last() string { return p.last }
