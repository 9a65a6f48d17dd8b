// Package skills holds skill training-time arithmetic and the skill queue
// model fed by the monitor.
package skills

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxLevel is the highest trainable level.
const MaxLevel = 5

// rank 1 cumulative SP per level
var levelSP = [MaxLevel + 1]int{0, 250, 1415, 8000, 45255, 256000}

// SPPerHour returns the training rate for the given effective primary and
// secondary attributes. Alpha clones train at half the omega rate.
func SPPerHour(primary, secondary int, omega bool) float64 {
	rate := float64(primary*60 + secondary*30)
	if !omega {
		rate /= 2
	}
	return rate
}

// SPForLevel returns the cumulative skill points at level for a skill of
// the given rank. Levels outside 0..5 clamp.
func SPForLevel(rank, level int) int {
	switch {
	case level <= 0 || rank <= 0:
		return 0
	case level > MaxLevel:
		level = MaxLevel
	}
	if rank == 1 {
		return levelSP[level]
	}
	sp := 250 * float64(rank) * math.Pow(math.Sqrt(32), float64(level-1))
	// float noise must not push exact powers over the next integer
	return int(math.Ceil(sp - 1e-6))
}

// SPToTrain returns the points needed to reach target from currentSP.
func SPToTrain(rank, currentSP, target int) int {
	need := SPForLevel(rank, target) - currentSP
	if need < 0 {
		return 0
	}
	return need
}

// TrainingTime converts points to a duration at spPerHour. A non-positive
// rate never finishes and yields the maximum duration.
func TrainingTime(sp int, spPerHour float64) time.Duration {
	if sp <= 0 {
		return 0
	}
	if spPerHour <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(float64(sp) / spPerHour * float64(time.Hour))
}

// Attributes are a character's attributes split into their sources.
type Attributes struct {
	Intelligence int
	Perception   int
	Charisma     int
	Willpower    int
	Memory       int
	// Implants holds per-attribute implant bonuses keyed like Attribute.
	Implants map[Attribute]int
}

// Attribute names one of the five character attributes.
type Attribute string

const (
	Intelligence Attribute = "intelligence"
	Perception   Attribute = "perception"
	Charisma     Attribute = "charisma"
	Willpower    Attribute = "willpower"
	Memory       Attribute = "memory"
)

// ParseAttribute accepts an attribute name in any case.
func ParseAttribute(s string) (Attribute, error) {
	a := Attribute(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case Intelligence, Perception, Charisma, Willpower, Memory:
		return a, nil
	}
	return "", fmt.Errorf("unknown attribute %q", s)
}

// Set assigns the base value of attr.
func (a *Attributes) Set(attr Attribute, v int) {
	switch attr {
	case Intelligence:
		a.Intelligence = v
	case Perception:
		a.Perception = v
	case Charisma:
		a.Charisma = v
	case Willpower:
		a.Willpower = v
	case Memory:
		a.Memory = v
	}
}

// Effective returns base plus implant plus booster for a.
func (a Attributes) Effective(attr Attribute, booster int) int {
	var base int
	switch attr {
	case Intelligence:
		base = a.Intelligence
	case Perception:
		base = a.Perception
	case Charisma:
		base = a.Charisma
	case Willpower:
		base = a.Willpower
	case Memory:
		base = a.Memory
	}
	return base + a.Implants[attr] + booster
}

// Skill is a skill as it appears in a plan.
type Skill struct {
	Name      string
	Rank      int
	Primary   Attribute
	Secondary Attribute
	Level     int
	// SP is the cumulative points already in the skill.
	SP int
}

// Booster is a cerebral accelerator: a flat bonus to every attribute for a
// limited time.
type Booster struct {
	Bonus    int
	Duration time.Duration
}

// PlanEntry trains skill up to Target.
type PlanEntry struct {
	Skill  Skill
	Target int
}

// PlanStep is the computed cost of one entry.
type PlanStep struct {
	Name    string
	From    int
	To      int
	SP      int
	Base    time.Duration
	Boosted time.Duration
}

// Saved returns the time the booster saved on this step.
func (s PlanStep) Saved() time.Duration { return s.Base - s.Boosted }

// Plan is a computed training plan.
type Plan struct {
	Steps   []PlanStep
	Base    time.Duration
	Boosted time.Duration
}

// PlanTime computes each entry in order. The booster runs down across
// entries and may expire mid-skill, in which case the rest of that skill
// trains at the unboosted rate. A skill listed more than once continues
// from the earlier target.
func PlanTime(attrs Attributes, entries []PlanEntry, booster Booster, omega bool) Plan {
	var plan Plan
	remaining := booster.Duration
	progress := make(map[string]Skill)

	for _, e := range entries {
		sk := e.Skill
		if prev, ok := progress[sk.Name]; ok && sk.Name != "" {
			sk.Level, sk.SP = prev.Level, prev.SP
		}

		sp := SPToTrain(sk.Rank, sk.SP, e.Target)
		baseRate := SPPerHour(attrs.Effective(sk.Primary, 0), attrs.Effective(sk.Secondary, 0), omega)
		base := TrainingTime(sp, baseRate)

		actual := base
		if booster.Bonus > 0 && remaining > 0 && sp > 0 {
			boostedRate := SPPerHour(attrs.Effective(sk.Primary, booster.Bonus), attrs.Effective(sk.Secondary, booster.Bonus), omega)
			canTrain := remaining.Hours() * boostedRate
			if canTrain >= float64(sp) {
				actual = TrainingTime(sp, boostedRate)
				remaining -= actual
			} else {
				left := int(math.Ceil(float64(sp) - canTrain))
				actual = remaining + TrainingTime(left, baseRate)
				remaining = 0
			}
		}

		plan.Steps = append(plan.Steps, PlanStep{
			Name:    sk.Name,
			From:    sk.Level,
			To:      e.Target,
			SP:      sp,
			Base:    base,
			Boosted: actual,
		})
		plan.Base += base
		plan.Boosted += actual

		if e.Target > sk.Level {
			sk.Level, sk.SP = e.Target, SPForLevel(sk.Rank, e.Target)
		}
		progress[sk.Name] = sk
	}
	return plan
}

// FormatDuration renders d as "1d 2h 3m 4s", omitting zero parts.
func FormatDuration(d time.Duration) string {
	if d == time.Duration(math.MaxInt64) {
		return "never"
	}
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days, rem := total/86400, total%86400
	hours, rem := rem/3600, rem%3600
	minutes, seconds := rem/60, rem%60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}
