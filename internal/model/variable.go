package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// VariableKind identifies the shape of a Variable's value
type VariableKind string

const (
	VarPrimitive   VariableKind = "primitive"
	VarDate        VariableKind = "date"
	VarDateTime    VariableKind = "dateTime"
	VarFunction    VariableKind = "function"
	VarFactor      VariableKind = "factor"
	VarMatrix      VariableKind = "matrix"
	VarDataFrame   VariableKind = "dataFrame"
	VarEnvironment VariableKind = "environment"
	VarList        VariableKind = "list"
	VarS4          VariableKind = "s4"
	VarGeneric     VariableKind = "generic"
)

// PrimitiveType is the compute engine's single-letter element type code
type PrimitiveType string

const (
	PrimitiveNull    PrimitiveType = "n"
	PrimitiveBool    PrimitiveType = "b"
	PrimitiveInt     PrimitiveType = "i"
	PrimitiveDouble  PrimitiveType = "d"
	PrimitiveString  PrimitiveType = "s"
	PrimitiveComplex PrimitiveType = "c"
	PrimitiveRaw     PrimitiveType = "r"
)

// Double is a float64 that round-trips the engine's non-finite encoding:
// Inf, -Inf and NaN travel as strings.
type Double float64

// MarshalJSON encodes non-finite values as the strings the legacy
// protocol uses
func (d Double) MarshalJSON() ([]byte, error) {
	f := float64(d)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	default:
		return json.Marshal(f)
	}
}

// PrimitiveValue holds a typed vector. Element slices use pointers so NA
// values survive the trip to clients.
type PrimitiveValue struct {
	Type    PrimitiveType `json:"type"`
	Bools   []*bool       `json:"bools,omitempty"`
	Ints    []*int        `json:"ints,omitempty"`
	Doubles []*Double     `json:"doubles,omitempty"`
	Strings []*string     `json:"strings,omitempty"`
}

// MatrixData is a primitive vector with dimensions and optional dimnames
type MatrixData struct {
	Value    PrimitiveValue `json:"value"`
	RowCount int            `json:"rowCount"`
	ColCount int            `json:"colCount"`
	RowNames []string       `json:"rowNames,omitempty"`
	ColNames []string       `json:"colNames,omitempty"`
}

// DataFrameColumn is one named, typed column
type DataFrameColumn struct {
	Name  string         `json:"name"`
	Value PrimitiveValue `json:"value"`
}

// DataFrameData is a set of equal-length typed columns
type DataFrameData struct {
	Columns  []DataFrameColumn `json:"columns"`
	RowCount int               `json:"rowCount"`
	RowNames []string          `json:"rowNames,omitempty"`
}

// Variable is one value in a compute environment. Exactly one of the
// kind-specific fields is populated, matching Kind.
type Variable struct {
	Name      string       `json:"name"`
	Length    int          `json:"length"`
	ClassName string       `json:"class"`
	Summary   string       `json:"summary,omitempty"`
	Kind      VariableKind `json:"kind"`

	Primitive    *PrimitiveValue     `json:"primitive,omitempty"`
	DateValue    *time.Time          `json:"dateValue,omitempty"`
	Body         string              `json:"body,omitempty"`
	FactorValues []int               `json:"factorValues,omitempty"`
	FactorLevels []string            `json:"factorLevels,omitempty"`
	Matrix       *MatrixData         `json:"matrix,omitempty"`
	DataFrame    *DataFrameData      `json:"dataFrame,omitempty"`
	Attributes   map[string]Variable `json:"attributes,omitempty"`
}

const rDateLayout = "2006-01-02"

// VariableFromLegacy decodes the compute engine's legacy variable
// encoding: heterogeneous shapes nested under "value" and keyed by the
// "class"/"type" discriminators. This is schema-compatibility code kept
// apart from the relay logic.
func VariableFromLegacy(obj map[string]any) (Variable, error) {
	name, ok := asString(obj["name"])
	if !ok {
		return Variable{}, fmt.Errorf("variable missing name")
	}
	className, ok := asString(obj["class"])
	if !ok {
		return Variable{}, fmt.Errorf("variable %q missing class", name)
	}
	v := Variable{
		Name:      name,
		ClassName: className,
	}
	if n, ok := asInt(obj["length"]); ok {
		v.Length = n
	}
	if s, ok := asString(obj["summary"]); ok {
		v.Summary = s
	}

	if b, _ := asBool(obj["primitive"]); b {
		pv, err := parsePrimitive(obj, "value")
		if err != nil {
			return Variable{}, err
		}
		v.Kind = VarPrimitive
		v.Primitive = &pv
		return v, nil
	}
	if b, _ := asBool(obj["s4"]); b {
		v.Kind = VarS4
		return v, nil
	}

	switch className {
	case "Date":
		str, ok := asString(obj["value"])
		if !ok {
			return Variable{}, fmt.Errorf("variable %q: invalid date value", name)
		}
		d, err := time.Parse(rDateLayout, str)
		if err != nil {
			return Variable{}, fmt.Errorf("variable %q: invalid date value: %w", name, err)
		}
		v.Kind = VarDate
		v.DateValue = &d
	case "POSIXct", "POSIXlt":
		secs, ok := asFloat(obj["value"])
		if !ok {
			return Variable{}, fmt.Errorf("variable %q: invalid datetime value", name)
		}
		d := time.Unix(int64(secs), 0).UTC()
		v.Kind = VarDateTime
		v.DateValue = &d
	case "function":
		body, ok := asString(obj["body"])
		if !ok {
			return Variable{}, fmt.Errorf("variable %q: function without body", name)
		}
		v.Kind = VarFunction
		v.Body = body
	case "factor", "ordered factor":
		levels := stringSlice(obj["levels"])
		vals := intSlice(obj["value"])
		if len(levels) != 0 && len(levels) != len(vals) {
			return Variable{}, fmt.Errorf("variable %q: factor levels do not match values", name)
		}
		v.Kind = VarFactor
		v.FactorValues = vals
		v.FactorLevels = levels
	case "matrix":
		m, err := parseMatrix(obj)
		if err != nil {
			return Variable{}, fmt.Errorf("variable %q: %w", name, err)
		}
		v.Kind = VarMatrix
		v.Matrix = &m
	case "data.frame":
		df, err := parseDataFrame(obj)
		if err != nil {
			return Variable{}, fmt.Errorf("variable %q: %w", name, err)
		}
		v.Kind = VarDataFrame
		v.DataFrame = &df
	case "environment":
		v.Kind = VarEnvironment
	case "list":
		v.Kind = VarList
	default:
		if b, _ := asBool(obj["generic"]); !b {
			return Variable{}, fmt.Errorf("variable %q: unknown class %q", name, className)
		}
		attrs := make(map[string]Variable)
		if raw, ok := obj["value"].(map[string]any); ok {
			for attrName, attrVal := range raw {
				attrObj, ok := attrVal.(map[string]any)
				if !ok {
					continue
				}
				if attr, err := VariableFromLegacy(attrObj); err == nil {
					attrs[attrName] = attr
				}
			}
		}
		v.Kind = VarGeneric
		v.Attributes = attrs
	}
	return v, nil
}

func parseDataFrame(obj map[string]any) (DataFrameData, error) {
	numCols, okC := asInt(obj["ncol"])
	numRows, okR := asInt(obj["nrow"])
	if !okC || !okR {
		return DataFrameData{}, fmt.Errorf("data frame requires nrow and ncol")
	}
	rowNames := stringSlice(obj["row.names"])
	rawCols, ok := obj["columns"].([]any)
	if !ok {
		return DataFrameData{}, fmt.Errorf("data frame missing columns")
	}
	columns := make([]DataFrameColumn, 0, len(rawCols))
	for _, rawCol := range rawCols {
		colObj, ok := rawCol.(map[string]any)
		if !ok {
			return DataFrameData{}, fmt.Errorf("invalid data frame column")
		}
		colName, ok := asString(colObj["name"])
		if !ok {
			return DataFrameData{}, fmt.Errorf("data frame column missing name")
		}
		pv, err := parsePrimitive(colObj, "values")
		if err != nil {
			return DataFrameData{}, fmt.Errorf("column %q: %w", colName, err)
		}
		columns = append(columns, DataFrameColumn{Name: colName, Value: pv})
	}
	if len(columns) != numCols {
		return DataFrameData{}, fmt.Errorf("column count %d does not match ncol %d", len(columns), numCols)
	}
	if len(rowNames) != 0 && len(rowNames) != numRows {
		return DataFrameData{}, fmt.Errorf("row names do not match nrow")
	}
	return DataFrameData{Columns: columns, RowCount: numRows, RowNames: rowNames}, nil
}

func parseMatrix(obj map[string]any) (MatrixData, error) {
	numCols, okC := asInt(obj["ncol"])
	numRows, okR := asInt(obj["nrow"])
	if !okC || !okR {
		return MatrixData{}, fmt.Errorf("matrix requires nrow and ncol")
	}
	var rowNames, colNames []string
	if dimnames, ok := obj["dimnames"].([]any); ok && len(dimnames) == 2 {
		rowNames = stringSlice(dimnames[0])
		colNames = stringSlice(dimnames[1])
	}
	if rowNames != nil && len(rowNames) != numRows {
		return MatrixData{}, fmt.Errorf("matrix row names do not match nrow")
	}
	if colNames != nil && len(colNames) != numCols {
		return MatrixData{}, fmt.Errorf("matrix col names do not match ncol")
	}
	pv, err := parsePrimitive(obj, "value")
	if err != nil {
		return MatrixData{}, err
	}
	return MatrixData{Value: pv, RowCount: numRows, ColCount: numCols, RowNames: rowNames, ColNames: colNames}, nil
}

// parsePrimitive decodes a typed vector under valueKey, honoring the
// single-letter type code. Null elements stay nil.
func parsePrimitive(obj map[string]any, valueKey string) (PrimitiveValue, error) {
	ptype, ok := asString(obj["type"])
	if !ok {
		return PrimitiveValue{}, fmt.Errorf("primitive missing type")
	}
	raw, ok := obj[valueKey].([]any)
	if !ok {
		return PrimitiveValue{}, fmt.Errorf("primitive missing %q array", valueKey)
	}
	pv := PrimitiveValue{Type: PrimitiveType(ptype)}
	switch pv.Type {
	case PrimitiveNull, PrimitiveRaw:
		// no element data
	case PrimitiveBool:
		for _, el := range raw {
			if el == nil {
				pv.Bools = append(pv.Bools, nil)
				continue
			}
			b, ok := el.(bool)
			if !ok {
				return PrimitiveValue{}, fmt.Errorf("invalid bool element %v", el)
			}
			pv.Bools = append(pv.Bools, &b)
		}
	case PrimitiveInt:
		for _, el := range raw {
			if el == nil {
				pv.Ints = append(pv.Ints, nil)
				continue
			}
			n, ok := asInt(el)
			if !ok {
				return PrimitiveValue{}, fmt.Errorf("invalid int element %v", el)
			}
			pv.Ints = append(pv.Ints, &n)
		}
	case PrimitiveDouble:
		doubles, err := parseDoubles(raw)
		if err != nil {
			return PrimitiveValue{}, err
		}
		pv.Doubles = doubles
	case PrimitiveString, PrimitiveComplex:
		for _, el := range raw {
			if el == nil {
				pv.Strings = append(pv.Strings, nil)
				continue
			}
			s, ok := el.(string)
			if !ok {
				return PrimitiveValue{}, fmt.Errorf("invalid string element %v", el)
			}
			pv.Strings = append(pv.Strings, &s)
		}
	default:
		return PrimitiveValue{}, fmt.Errorf("unknown primitive type %q", ptype)
	}
	return pv, nil
}

// parseDoubles accepts numbers plus the strings Inf, -Inf and NaN
func parseDoubles(raw []any) ([]*Double, error) {
	out := make([]*Double, 0, len(raw))
	for _, el := range raw {
		if el == nil {
			out = append(out, nil)
			continue
		}
		if f, ok := asFloat(el); ok {
			d := Double(f)
			out = append(out, &d)
			continue
		}
		s, ok := el.(string)
		if !ok {
			return nil, fmt.Errorf("invalid double element %v", el)
		}
		var d Double
		switch s {
		case "Inf":
			d = Double(math.Inf(1))
		case "-Inf":
			d = Double(math.Inf(-1))
		case "NaN":
			d = Double(math.NaN())
		default:
			return nil, fmt.Errorf("invalid double string %q", s)
		}
		out = append(out, &d)
	}
	return out, nil
}

// loose JSON-tree accessors for the legacy payloads

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, el := range raw {
		if s, ok := el.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intSlice(v any) []int {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, el := range raw {
		if n, ok := asInt(el); ok {
			out = append(out, n)
		}
	}
	return out
}
