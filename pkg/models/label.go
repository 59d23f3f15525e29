package models

// Label is a key/value tag attached to flows and executions.
type Label struct {
	Key   string `json:"key"   yaml:"key"   validate:"required"`
	Value string `json:"value" yaml:"value"`
}

const (
	LabelCorrelationID = "system.correlationId"
	LabelSLAViolation  = "system.slaViolation"
	LabelRetryOf       = "system.retryOf"
)

// MergeLabels appends labels to base, replacing values of keys already present.
func MergeLabels(base []Label, labels ...Label) []Label {
	merged := make([]Label, 0, len(base)+len(labels))
	merged = append(merged, base...)

	for _, label := range labels {
		replaced := false

		for i := range merged {
			if merged[i].Key == label.Key {
				merged[i].Value = label.Value
				replaced = true

				break
			}
		}

		if !replaced {
			merged = append(merged, label)
		}
	}

	return merged
}

// LabelsMap flattens labels into a map, the last value of a key wins.
func LabelsMap(labels []Label) map[string]string {
	m := make(map[string]string, len(labels))
	for _, label := range labels {
		m[label.Key] = label.Value
	}

	return m
}
