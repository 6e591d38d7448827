package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legacyObj(t *testing.T, raw string) map[string]any {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &obj))
	return obj
}

func TestVariableFromLegacyPrimitiveDoubles(t *testing.T) {
	v, err := VariableFromLegacy(legacyObj(t, `{
		"name":"x","class":"numeric vector","primitive":true,
		"type":"d","length":4,"value":[1.5,"Inf","NaN",null]}`))
	require.NoError(t, err)
	assert.Equal(t, VarPrimitive, v.Kind)
	assert.Equal(t, 4, v.Length)
	require.NotNil(t, v.Primitive)
	require.Len(t, v.Primitive.Doubles, 4)
	assert.Equal(t, Double(1.5), *v.Primitive.Doubles[0])
	assert.True(t, math.IsInf(float64(*v.Primitive.Doubles[1]), 1))
	assert.True(t, math.IsNaN(float64(*v.Primitive.Doubles[2])))
	assert.Nil(t, v.Primitive.Doubles[3])
}

func TestVariableFromLegacyIntsWithNA(t *testing.T) {
	v, err := VariableFromLegacy(legacyObj(t, `{
		"name":"n","class":"integer vector","primitive":true,
		"type":"i","length":3,"value":[1,null,3]}`))
	require.NoError(t, err)
	require.NotNil(t, v.Primitive)
	require.Len(t, v.Primitive.Ints, 3)
	assert.Nil(t, v.Primitive.Ints[1])
	assert.Equal(t, 3, *v.Primitive.Ints[2])
}

func TestVariableFromLegacyDate(t *testing.T) {
	v, err := VariableFromLegacy(legacyObj(t, `{
		"name":"d","class":"Date","value":"2024-03-01"}`))
	require.NoError(t, err)
	assert.Equal(t, VarDate, v.Kind)
	require.NotNil(t, v.DateValue)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *v.DateValue)

	_, err = VariableFromLegacy(legacyObj(t, `{"name":"d","class":"Date","value":"yesterday"}`))
	require.Error(t, err)
}

func TestVariableFromLegacyFactor(t *testing.T) {
	v, err := VariableFromLegacy(legacyObj(t, `{
		"name":"f","class":"factor","value":[1,2,1],"levels":["a","b","a"]}`))
	require.NoError(t, err)
	assert.Equal(t, VarFactor, v.Kind)
	assert.Equal(t, []int{1, 2, 1}, v.FactorValues)

	_, err = VariableFromLegacy(legacyObj(t, `{
		"name":"f","class":"factor","value":[1,2,1],"levels":["a"]}`))
	require.Error(t, err)
}

func TestVariableFromLegacyFunction(t *testing.T) {
	v, err := VariableFromLegacy(legacyObj(t, `{
		"name":"fn","class":"function","body":"function(x) x + 1"}`))
	require.NoError(t, err)
	assert.Equal(t, VarFunction, v.Kind)
	assert.Equal(t, "function(x) x + 1", v.Body)
}

func TestVariableFromLegacyMatrix(t *testing.T) {
	v, err := VariableFromLegacy(legacyObj(t, `{
		"name":"m","class":"matrix","type":"d","nrow":2,"ncol":2,
		"dimnames":[["r1","r2"],["c1","c2"]],"value":[1,2,3,4]}`))
	require.NoError(t, err)
	assert.Equal(t, VarMatrix, v.Kind)
	require.NotNil(t, v.Matrix)
	assert.Equal(t, 2, v.Matrix.RowCount)
	assert.Equal(t, []string{"c1", "c2"}, v.Matrix.ColNames)
	require.Len(t, v.Matrix.Value.Doubles, 4)

	_, err = VariableFromLegacy(legacyObj(t, `{
		"name":"m","class":"matrix","type":"d","nrow":3,"ncol":2,
		"dimnames":[["r1"],["c1","c2"]],"value":[1,2,3,4,5,6]}`))
	require.Error(t, err)
}

func TestVariableFromLegacyDataFrame(t *testing.T) {
	v, err := VariableFromLegacy(legacyObj(t, `{
		"name":"df","class":"data.frame","nrow":2,"ncol":2,
		"row.names":["1","2"],
		"columns":[
			{"name":"id","type":"i","values":[1,2]},
			{"name":"label","type":"s","values":["a","b"]}]}`))
	require.NoError(t, err)
	assert.Equal(t, VarDataFrame, v.Kind)
	require.NotNil(t, v.DataFrame)
	require.Len(t, v.DataFrame.Columns, 2)
	assert.Equal(t, "label", v.DataFrame.Columns[1].Name)
	require.Len(t, v.DataFrame.Columns[1].Value.Strings, 2)

	// column count must agree with ncol
	_, err = VariableFromLegacy(legacyObj(t, `{
		"name":"df","class":"data.frame","nrow":2,"ncol":3,
		"columns":[{"name":"id","type":"i","values":[1,2]}]}`))
	require.Error(t, err)
}

func TestVariableFromLegacyGeneric(t *testing.T) {
	v, err := VariableFromLegacy(legacyObj(t, `{
		"name":"obj","class":"lm","generic":true,
		"value":{"coef":{"name":"coef","class":"numeric vector","primitive":true,"type":"d","value":[0.5]}}}`))
	require.NoError(t, err)
	assert.Equal(t, VarGeneric, v.Kind)
	require.Contains(t, v.Attributes, "coef")
	assert.Equal(t, VarPrimitive, v.Attributes["coef"].Kind)

	_, err = VariableFromLegacy(legacyObj(t, `{"name":"obj","class":"mystery"}`))
	require.Error(t, err)
}

func TestVariableFromLegacyMissingFields(t *testing.T) {
	_, err := VariableFromLegacy(legacyObj(t, `{"class":"numeric vector"}`))
	require.Error(t, err)
	_, err = VariableFromLegacy(legacyObj(t, `{"name":"x"}`))
	require.Error(t, err)
}

func TestDoubleMarshalNonFinite(t *testing.T) {
	data, err := json.Marshal([]Double{1.5, Double(math.Inf(1)), Double(math.Inf(-1)), Double(math.NaN())})
	require.NoError(t, err)
	assert.JSONEq(t, `[1.5,"Inf","-Inf","NaN"]`, string(data))
}
