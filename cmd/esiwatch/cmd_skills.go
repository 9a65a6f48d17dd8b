package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/esiwatch/internal/skills"
)

type skillsTimeOptions struct {
	primaryAttr   string
	secondaryAttr string
	primary       int
	secondary     int
	rank          int
	from          int
	to            int
	alpha         bool
	boosterBonus  int
	boosterTime   time.Duration
}

func newSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Skill training calculations",
	}
	cmd.AddCommand(newSkillsTimeCmd())
	return cmd
}

func newSkillsTimeCmd() *cobra.Command {
	o := &skillsTimeOptions{}

	cmd := &cobra.Command{
		Use:   "time",
		Short: "Compute the time to train a skill between two levels",
		Example: `  esiwatch skills time --rank 5 --from 4 --to 5 --primary 27 --secondary 21
  esiwatch skills time --rank 1 --to 5 --primary 20 --secondary 20 --booster 10 --booster-duration 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			step, err := o.compute()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "rank %d, level %d to %d: %d SP\n", o.rank, step.From, step.To, step.SP)
			_, _ = fmt.Fprintf(out, "training time: %s\n", skills.FormatDuration(step.Base))
			if o.boosterBonus > 0 {
				_, _ = fmt.Fprintf(out, "with +%d booster: %s (saves %s)\n",
					o.boosterBonus, skills.FormatDuration(step.Boosted), skills.FormatDuration(step.Saved()))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.primaryAttr, "primary-attr", string(skills.Perception), "Primary attribute name")
	f.StringVar(&o.secondaryAttr, "secondary-attr", string(skills.Willpower), "Secondary attribute name")
	f.IntVar(&o.primary, "primary", 20, "Primary attribute value, implants included")
	f.IntVar(&o.secondary, "secondary", 20, "Secondary attribute value, implants included")
	f.IntVar(&o.rank, "rank", 1, "Skill rank (training time multiplier)")
	f.IntVar(&o.from, "from", 0, "Current level")
	f.IntVar(&o.to, "to", 5, "Target level")
	f.BoolVar(&o.alpha, "alpha", false, "Train at the alpha clone rate")
	f.IntVar(&o.boosterBonus, "booster", 0, "Cerebral accelerator bonus to every attribute")
	f.DurationVar(&o.boosterTime, "booster-duration", 0, "Cerebral accelerator time left")
	return cmd
}

func (o *skillsTimeOptions) compute() (skills.PlanStep, error) {
	if o.rank < 1 {
		return skills.PlanStep{}, fmt.Errorf("rank must be at least 1 (got %d)", o.rank)
	}
	if o.from < 0 || o.to > 5 || o.from > o.to {
		return skills.PlanStep{}, fmt.Errorf("levels must satisfy 0 <= from <= to <= 5 (got %d to %d)", o.from, o.to)
	}
	primary, err := skills.ParseAttribute(o.primaryAttr)
	if err != nil {
		return skills.PlanStep{}, err
	}
	secondary, err := skills.ParseAttribute(o.secondaryAttr)
	if err != nil {
		return skills.PlanStep{}, err
	}
	if primary == secondary {
		return skills.PlanStep{}, fmt.Errorf("primary and secondary attribute are both %s", primary)
	}

	var attrs skills.Attributes
	attrs.Set(primary, o.primary)
	attrs.Set(secondary, o.secondary)
	sk := skills.Skill{
		Rank:      o.rank,
		Primary:   primary,
		Secondary: secondary,
		Level:     o.from,
		SP:        skills.SPForLevel(o.rank, o.from),
	}
	plan := skills.PlanTime(attrs, []skills.PlanEntry{{Skill: sk, Target: o.to}},
		skills.Booster{Bonus: o.boosterBonus, Duration: o.boosterTime}, !o.alpha)
	return plan.Steps[0], nil
}
