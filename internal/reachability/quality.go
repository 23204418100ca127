package reachability

import (
	"strings"
	"time"
)

// Quality is an approximate link classification used only to tune backoff.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityPoor      Quality = "poor"
	QualityFair      Quality = "fair"
	QualityGood      Quality = "good"
	QualityExcellent Quality = "excellent"
)

// Effective treats unknown as fair.
func (q Quality) Effective() Quality {
	switch q {
	case QualityPoor, QualityFair, QualityGood, QualityExcellent:
		return q
	default:
		return QualityFair
	}
}

// BackoffFactor stretches retry delays on weak links and shortens them on
// strong ones.
func (q Quality) BackoffFactor() float64 {
	switch q.Effective() {
	case QualityExcellent:
		return 0.5
	case QualityPoor:
		return 2
	default:
		return 1
	}
}

// Classify derives quality from interface type and a measured round trip.
func Classify(iface string, latency time.Duration) Quality {
	if latency <= 0 {
		return QualityUnknown
	}

	var q Quality
	switch {
	case latency < 50*time.Millisecond:
		q = QualityExcellent
	case latency < 150*time.Millisecond:
		q = QualityGood
	case latency < 400*time.Millisecond:
		q = QualityFair
	default:
		q = QualityPoor
	}

	if isCellular(iface) && q == QualityExcellent {
		q = QualityGood
	}
	return q
}

func isCellular(iface string) bool {
	switch strings.ToLower(strings.TrimSpace(iface)) {
	case "cellular", "wwan", "mobile", "lte", "5g":
		return true
	}
	return false
}
