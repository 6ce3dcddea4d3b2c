// Package reputation scores agents from their completed work.
package reputation

import (
	"escrowflow/models"
	"escrowflow/safemath"
)

const (
	pointsPerJob   = 500
	pointsPerWhole = 10
)

// Score returns min(10000, jobs*500 + floor(earned/1e9)*10). Intermediate
// arithmetic saturates, so the result never wraps.
func Score(successfulJobs uint32, totalEarned uint64) uint16 {
	jobPoints := safemath.SaturatingMul64(uint64(successfulJobs), pointsPerJob)
	earnPoints := safemath.SaturatingMul64(totalEarned/models.UnitsPerWhole, pointsPerWhole)
	total := safemath.SaturatingAdd64(jobPoints, earnPoints)
	if total > uint64(models.MaxReputation) {
		return models.MaxReputation
	}
	return uint16(total)
}
