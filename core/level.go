package core

// PointsPerLevel is the per-level point step.
const PointsPerLevel int64 = 100

// RequiredForNextLevel is the total needed to leave level.
func RequiredForNextLevel(level int64) int64 {
	if level < 1 {
		level = 1
	}
	return level * PointsPerLevel
}

// EvaluateLevel performs one level check. Callers that want every crossed
// threshold must call it again after applying the result.
func EvaluateLevel(level, totalPoints int64) (levelUp bool, newLevel int64) {
	if level < 1 {
		level = 1
	}
	if totalPoints >= RequiredForNextLevel(level) {
		return true, level + 1
	}
	return false, level
}
