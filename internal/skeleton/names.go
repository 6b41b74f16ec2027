package skeleton

import "fmt"

// PredictedName is the entity name of the estimator's predicted torso.
const PredictedName = "torso_k"

// TorsoName returns "torso_<id>" or "global_torso_<id>".
func TorsoName(id PersonID, global bool) string {
	return partName("torso", id, global)
}

// HeadName returns "head_<id>" or "global_head_<id>".
func HeadName(id PersonID, global bool) string {
	return partName("head", id, global)
}

func partName(part string, id PersonID, global bool) string {
	if global {
		return fmt.Sprintf("global_%s_%d", part, id)
	}
	return fmt.Sprintf("%s_%d", part, id)
}

// JointName names a full-skeleton joint: "user_<id>_<joint>" or
// "user_<id>_global_<joint>".
func JointName(id PersonID, j Joint, global bool) string {
	if global {
		return fmt.Sprintf("user_%d_global_%s", id, j)
	}
	return fmt.Sprintf("user_%d_%s", id, j)
}
