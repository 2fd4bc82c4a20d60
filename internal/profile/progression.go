package profile

import "math"

// RequiredExperience 返回从 level 升到 level+1 所需的经验值。
//
// 说明：
//   - 曲线为 floor((level*70)*(level+10)/6 - 0.01*level)，中间量按实数计算；
//   - level 从 1 开始：RequiredExperience(1) = 128，RequiredExperience(10) = 2333。
func RequiredExperience(level int64) int64 {
	l := float64(level)
	return int64(math.Floor(l*70*(l+10)/6 - 0.01*l))
}

// ApplyExperience 将 delta 经验应用到 (level, experience)。
//
// 行为：
//   - 累加后反复与当前等级的升级阈值比较，单次 delta 可能连升多级；
//   - 纯函数，不修改任何外部状态。
func ApplyExperience(level, experience, delta int64) (int64, int64) {
	experience += delta
	for experience >= RequiredExperience(level) {
		experience -= RequiredExperience(level)
		level++
	}
	return level, experience
}
