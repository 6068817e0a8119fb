package rules

import "math"

// minAnomalySamples is the minimum number of readings needed before
// the baseline is considered meaningful. Below this we never fire.
const minAnomalySamples = 3

// evalAnomaly fires when the latest reading deviates from a rolling
// baseline by more than a sensitivity-scaled tolerance band.
//
// Baseline method: mean and standard deviation of all numeric readings
// in the series except the latest. The band half-width is k·stddev
// with k = 4·(1−sensitivity) + 0.5, so sensitivity 0 gives a wide
// 4.5σ band and sensitivity 1 a tight 0.5σ band. Raising sensitivity
// shrinks the band monotonically, so a reading that fires at a given
// sensitivity fires at every higher one.
func evalAnomaly(r *Rule, s Series) bool {
	readings := s[r.Metric]
	if len(readings) < minAnomalySamples {
		return false
	}

	latest, ok := readings[len(readings)-1].Value.AsFloat()
	if !ok {
		return false
	}

	var sum, count float64
	for _, rd := range readings[:len(readings)-1] {
		f, ok := rd.Value.AsFloat()
		if !ok {
			continue
		}
		sum += f
		count++
	}
	if count < minAnomalySamples-1 {
		return false
	}
	mean := sum / count

	var sq float64
	for _, rd := range readings[:len(readings)-1] {
		f, ok := rd.Value.AsFloat()
		if !ok {
			continue
		}
		sq += (f - mean) * (f - mean)
	}
	stddev := math.Sqrt(sq / count)

	k := 4*(1-r.Sensitivity) + 0.5
	return math.Abs(latest-mean) > k*stddev
}
