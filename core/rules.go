package core

import (
	"context"
	"fmt"
)

// Milestone keys of the built-in rules.
const (
	MilestoneFirstSteps     MilestoneKey = "first_steps"
	MilestoneGreenWarrior   MilestoneKey = "green_warrior"
	MilestoneEcoChampion    MilestoneKey = "eco_champion"
	MilestoneDedicatedGreen MilestoneKey = "dedicated_green"
)

// LevelUpPoints is credited for every level reached.
const LevelUpPoints int64 = 50

// RewardSpec describes a reward before it is issued.
type RewardSpec struct {
	Key         MilestoneKey
	Type        RewardType
	Title       string
	Description string
	IconName    string
	Points      int64
}

// Progress is the post-update state a rule inspects.
type Progress struct {
	User       User
	Activities []Activity
	Rewards    []Reward
}

// Rule decides whether a milestone now qualifies. Implementations must not
// return a spec whose key the user already holds.
type Rule interface {
	Evaluate(ctx context.Context, p Progress) []RewardSpec
}

// MilestoneRule fires Spec once when When holds.
type MilestoneRule struct {
	Spec RewardSpec
	When func(p Progress) bool
}

func (r MilestoneRule) Evaluate(_ context.Context, p Progress) []RewardSpec {
	if HasReward(p.Rewards, r.Spec.Key) || r.When == nil || !r.When(p) {
		return nil
	}
	return []RewardSpec{r.Spec}
}

// LevelKey is the milestone key of reaching level.
func LevelKey(level int64) MilestoneKey {
	return MilestoneKey(fmt.Sprintf("level_%d", level))
}

// LevelReward is issued once per level reached.
func LevelReward(level int64) RewardSpec {
	return RewardSpec{
		Key:         LevelKey(level),
		Type:        RewardMilestone,
		Title:       fmt.Sprintf("Level %d Reached!", level),
		Description: fmt.Sprintf("You've reached level %d! Keep up the great work!", level),
		IconName:    "Trophy",
		Points:      LevelUpPoints,
	}
}

// DefaultMilestones returns the built-in milestone rules in evaluation order.
func DefaultMilestones() []Rule {
	return []Rule{
		MilestoneRule{
			Spec: RewardSpec{
				Key:         MilestoneFirstSteps,
				Type:        RewardAchievement,
				Title:       "First Steps",
				Description: "Logged your first eco-friendly activity!",
				IconName:    "Leaf",
				Points:      25,
			},
			When: func(p Progress) bool { return len(p.Activities) == 1 },
		},
		MilestoneRule{
			Spec: RewardSpec{
				Key:         MilestoneGreenWarrior,
				Type:        RewardMilestone,
				Title:       "Green Warrior",
				Description: "Saved 10 kg of CO₂! You're making a real impact!",
				IconName:    "Award",
				Points:      50,
			},
			When: func(p Progress) bool { return p.User.TotalCarbonSaved >= 10 },
		},
		MilestoneRule{
			Spec: RewardSpec{
				Key:         MilestoneEcoChampion,
				Type:        RewardMilestone,
				Title:       "Eco Champion",
				Description: "Saved 50 kg of CO₂! Amazing dedication!",
				IconName:    "Trophy",
				Points:      100,
			},
			When: func(p Progress) bool { return p.User.TotalCarbonSaved >= 50 },
		},
		MilestoneRule{
			Spec: RewardSpec{
				Key:         MilestoneDedicatedGreen,
				Type:        RewardAchievement,
				Title:       "Dedicated Green",
				Description: "Logged 10 eco-friendly activities!",
				IconName:    "Activity",
				Points:      30,
			},
			When: func(p Progress) bool { return len(p.Activities) == 10 },
		},
	}
}
