package nodeops

import (
	"time"

	v1 "k8s.io/api/core/v1"
)

// AnnotationCordonedBy marks nodes cordoned by hibernation, so only those are uncordoned later.
const AnnotationCordonedBy = "hibernator.docent.net/cordoned-at"

// CordonedSince returns when hibernation cordoned the node. An unparseable value is
// reported as Unix(0) so the node still counts as ours.
func CordonedSince(n v1.Node) (time.Time, bool) {
	raw, ok := n.Annotations[AnnotationCordonedBy]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	return time.Unix(0, 0).UTC(), true
}
