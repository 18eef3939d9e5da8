package preprocess

import (
	"fmt"

	"github.com/hed1ad/packetguard/pkg/packet"
)

// Labeler supplies the ground-truth class (0 normal, 1 anomalous) for each
// record. Labeling traffic is outside this package; callers plug in whatever
// source of truth they have.
type Labeler interface {
	Labels(records []packet.Record) ([]int, error)
}

// LabelerFunc adapts a function to the Labeler interface.
type LabelerFunc func(records []packet.Record) ([]int, error)

// Labels calls f.
func (f LabelerFunc) Labels(records []packet.Record) ([]int, error) {
	return f(records)
}

// Unlabeled is the default Labeler. It always fails with ErrLabelsUnavailable.
func Unlabeled() Labeler {
	return LabelerFunc(func([]packet.Record) ([]int, error) {
		return nil, ErrLabelsUnavailable
	})
}

// StaticLabels returns labels fixed in advance, one per record.
func StaticLabels(labels []int) Labeler {
	labels = append([]int(nil), labels...)
	return LabelerFunc(func(records []packet.Record) ([]int, error) {
		if len(records) != len(labels) {
			return nil, fmt.Errorf("%w: %d labels for %d records", ErrInvalidLabels, len(labels), len(records))
		}
		return append([]int(nil), labels...), nil
	})
}

// AttributeLabeler reads each record's class from the named attribute.
func AttributeLabeler(name string) Labeler {
	return LabelerFunc(func(records []packet.Record) ([]int, error) {
		labels := make([]int, len(records))
		for i, r := range records {
			v, err := r.Float(name)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: %w", ErrInvalidLabels, i, err)
			}
			if v != 0 && v != 1 {
				return nil, fmt.Errorf("%w: record %d: %s=%v", ErrInvalidLabels, i, name, v)
			}
			labels[i] = int(v)
		}
		return labels, nil
	})
}

func checkLabels(labels []int, n int) error {
	if len(labels) != n {
		return fmt.Errorf("%w: %d labels for %d records", ErrInvalidLabels, len(labels), n)
	}
	for i, l := range labels {
		if l != 0 && l != 1 {
			return fmt.Errorf("%w: record %d has label %d", ErrInvalidLabels, i, l)
		}
	}
	return nil
}
