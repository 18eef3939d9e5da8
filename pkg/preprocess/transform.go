package preprocess

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"sort"

	"github.com/hed1ad/packetguard/pkg/packet"
)

// Transform standard-scales numeric columns and one-hot encodes categorical
// columns with state fitted once on training records. The same Transform must
// be reused unchanged at inference time.
type Transform struct {
	Numeric     []string
	Means       []float64
	Scales      []float64
	Categorical []string
	Categories  [][]string
}

// fitTransform learns scaling parameters and category vocabularies from
// extracted records.
func fitTransform(records []packet.Record, numeric, categorical []string) (*Transform, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: cannot fit transform on zero records", ErrInsufficientData)
	}

	t := &Transform{
		Numeric:     append([]string(nil), numeric...),
		Means:       make([]float64, len(numeric)),
		Scales:      make([]float64, len(numeric)),
		Categorical: append([]string(nil), categorical...),
		Categories:  make([][]string, len(categorical)),
	}

	n := float64(len(records))
	for j, name := range numeric {
		values := make([]float64, len(records))
		var sum float64
		for i, r := range records {
			v, err := numericValue(r, name)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: %w", ErrInvalidRecord, i, err)
			}
			values[i] = v
			sum += v
		}

		mean := sum / n
		var ss float64
		for _, v := range values {
			ss += (v - mean) * (v - mean)
		}
		scale := math.Sqrt(ss / n)
		if scale == 0 {
			scale = 1
		}

		t.Means[j] = mean
		t.Scales[j] = scale
	}

	for j, name := range categorical {
		seen := make(map[string]struct{})
		for _, r := range records {
			seen[categoryValue(r, name)] = struct{}{}
		}
		cats := make([]string, 0, len(seen))
		for c := range seen {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		t.Categories[j] = cats
	}

	return t, nil
}

// Width returns the number of output columns.
func (t *Transform) Width() int {
	w := len(t.Numeric)
	for _, cats := range t.Categories {
		w += len(cats)
	}
	return w
}

// FeatureNames returns the output column names in matrix order.
func (t *Transform) FeatureNames() []string {
	names := make([]string, 0, t.Width())
	names = append(names, t.Numeric...)
	for j, name := range t.Categorical {
		for _, c := range t.Categories[j] {
			names = append(names, name+"="+c)
		}
	}
	return names
}

// Apply encodes records returned by ExtractFeatures. A record lacking a
// derived column the Transform uses fails with ErrInvalidRecord. Category
// values not seen during fitting encode as all zeros. Zero records yield an
// empty matrix.
func (t *Transform) Apply(records []packet.Record) ([][]float64, error) {
	index := make([]map[string]int, len(t.Categorical))
	for j, cats := range t.Categories {
		index[j] = make(map[string]int, len(cats))
		for k, c := range cats {
			index[j][c] = k
		}
	}

	width := t.Width()
	out := make([][]float64, len(records))
	for i, r := range records {
		if name, ok := t.missingDerived(r); !ok {
			return nil, fmt.Errorf("%w: record %d: %s absent, features not extracted", ErrInvalidRecord, i, name)
		}

		row := make([]float64, width)

		for j, name := range t.Numeric {
			v, err := numericValue(r, name)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: %w", ErrInvalidRecord, i, err)
			}
			row[j] = (v - t.Means[j]) / t.Scales[j]
		}

		offset := len(t.Numeric)
		for j, name := range t.Categorical {
			if k, ok := index[j][categoryValue(r, name)]; ok {
				row[offset+k] = 1
			}
			offset += len(t.Categories[j])
		}

		out[i] = row
	}

	return out, nil
}

// missingDerived returns the first derived column used by t that r lacks.
func (t *Transform) missingDerived(r packet.Record) (string, bool) {
	for _, columns := range [][]string{t.Numeric, t.Categorical} {
		for _, name := range columns {
			if (name == PortDifference || name == SrcIPClass) && !r.Has(name) {
				return name, false
			}
		}
	}
	return "", true
}

// transformState has the fields of Transform without its methods, so gob
// does not call back into MarshalBinary.
type transformState Transform

// MarshalBinary encodes the fitted state.
func (t *Transform) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode((*transformState)(t)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores state written by MarshalBinary.
func (t *Transform) UnmarshalBinary(data []byte) error {
	var decoded transformState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&decoded); err != nil {
		return err
	}
	if len(decoded.Means) != len(decoded.Numeric) ||
		len(decoded.Scales) != len(decoded.Numeric) ||
		len(decoded.Categories) != len(decoded.Categorical) {
		return fmt.Errorf("inconsistent transform: %d numeric columns, %d means, %d scales, %d categorical columns, %d vocabularies",
			len(decoded.Numeric), len(decoded.Means), len(decoded.Scales), len(decoded.Categorical), len(decoded.Categories))
	}

	*t = Transform(decoded)
	return nil
}

func numericValue(r packet.Record, name string) (float64, error) {
	if !r.Has(name) {
		return packet.Missing, nil
	}
	return r.Float(name)
}

func categoryValue(r packet.Record, name string) string {
	s, ok := r.String(name)
	if !ok {
		return fmt.Sprint(packet.Missing)
	}
	return s
}
