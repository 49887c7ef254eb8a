// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/gpusvm/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// maxFieldCombinations bounds the number of counters a single metric may
// allocate.
const maxFieldCombinations = 1024

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps a combination of field values to an index into a flat
// slice of counters, using the field values as digits of a mixed-radix number.
type fieldMapper struct {
	fields []Field
	index  []map[string]int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	m := fieldMapper{fields: fields}
	n := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		idx := make(map[string]int, len(f.allowedValues))
		for i, v := range f.allowedValues {
			if strings.ContainsAny(v, "\"\\\n") {
				return fieldMapper{}, ErrFieldValueContainsIllegalChar
			}
			idx[v] = i
		}
		m.index = append(m.index, idx)
		n *= len(f.allowedValues)
		if n > maxFieldCombinations {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return m, nil
}

func (m fieldMapper) numKeys() int {
	n := 1
	for _, f := range m.fields {
		n *= len(f.allowedValues)
	}
	return n
}

// lookup returns the key for the given field values.
//
// Preconditions: fieldValues match the fields of the mapper.
func (m fieldMapper) lookup(fieldValues ...string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("invalid field count: got %d values for %d fields", len(fieldValues), len(m.fields)))
	}
	key := 0
	for i, v := range fieldValues {
		d, ok := m.index[i][v]
		if !ok {
			panic(fmt.Sprintf("invalid value %q for field %q", v, m.fields[i].name))
		}
		key = key*len(m.fields[i].allowedValues) + d
	}
	return key
}

// keyToMultiField is the inverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	vals := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		n := len(m.fields[i].allowedValues)
		vals[i] = m.fields[i].allowedValues[key%n]
		key /= n
	}
	return vals
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string

	// fields is the map of field-value combination index keys to counters.
	fields []atomic.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

var (
	// allMetricsMu protects allMetrics.
	allMetricsMu sync.Mutex

	// allMetrics are the registered metrics.
	allMetrics = make(map[string]*Uint64Metric)
)

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      make([]atomic.Uint64, f.numKeys()),
		fieldMapper: f,
	}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// promName converts a slash-separated metric name to a Prometheus name.
func promName(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

func (m *Uint64Metric) family(prefix string) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(promName(prefix, m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for key := range m.fields {
		pm := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.fields[key].Load()))},
		}
		for i, v := range m.fieldMapper.keyToMultiField(key) {
			pm.Label = append(pm.Label, &dto.LabelPair{
				Name:  proto.String(m.fieldMapper.fields[i].name),
				Value: proto.String(v),
			})
		}
		mf.Metric = append(mf.Metric, pm)
	}
	return mf
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// exposition format. Metric names are prefixed with prefix.
func WritePrometheus(w io.Writer, prefix string) error {
	allMetricsMu.Lock()
	names := make([]string, 0, len(allMetrics))
	for name := range allMetrics {
		names = append(names, name)
	}
	metrics := make([]*Uint64Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		metrics = append(metrics, allMetrics[name])
	}
	allMetricsMu.Unlock()

	for _, m := range metrics {
		if _, err := expfmt.MetricFamilyToText(w, m.family(prefix)); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}
