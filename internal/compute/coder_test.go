package compute

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/compustat/relayd/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.LevelNone, "", "")
	require.NoError(t, err)
	return log
}

func decodeJSON(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	return obj
}

func TestCoderOpen(t *testing.T) {
	c := NewCoder(testLogger(t))
	data, err := c.Open(101, 22, DBInfo{
		Host: "db.local", Port: "5432", User: "rc", Name: "relaydb", Password: "secret",
	})
	require.NoError(t, err)
	obj := decodeJSON(t, data)
	assert.Equal(t, "open", obj["msg"])
	assert.Equal(t, float64(1), obj["apiVersion"])
	assert.Equal(t, float64(101), obj["wspaceId"])
	assert.Equal(t, float64(22), obj["sessionRecId"])
	assert.Equal(t, "db.local", obj["dbhost"])
	assert.Equal(t, "5432", obj["dbport"])
	assert.Equal(t, "rc", obj["dbuser"])
	assert.Equal(t, "relaydb", obj["dbname"])
	assert.Equal(t, "secret", obj["dbpassword"])
}

func TestCoderExecuteScript(t *testing.T) {
	c := NewCoder(testLogger(t))
	data, err := c.ExecuteScript("trans1", "rnorm(20)")
	require.NoError(t, err)
	obj := decodeJSON(t, data)
	assert.Equal(t, "execScript", obj["msg"])
	assert.Equal(t, "rnorm(20)", obj["argument"])
	assert.Equal(t, float64(1), obj["queryId"])
	assert.NotEmpty(t, obj["startTime"])
}

func TestCoderExecuteFile(t *testing.T) {
	c := NewCoder(testLogger(t))
	data, err := c.ExecuteFile("t-file", 33, 7)
	require.NoError(t, err)
	obj := decodeJSON(t, data)
	assert.Equal(t, "execFile", obj["msg"])
	assert.Equal(t, "33", obj["argument"])
	assert.Equal(t, float64(1), obj["queryId"])
	cd, ok := obj["clientData"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "33", cd["fileId"])
	assert.Equal(t, "7", cd["fileVersion"])
}

func TestCoderGetVariable(t *testing.T) {
	c := NewCoder(testLogger(t))
	data, err := c.GetVariable("fred", nil, "conn-9")
	require.NoError(t, err)
	obj := decodeJSON(t, data)
	assert.Equal(t, "getVariable", obj["msg"])
	assert.Equal(t, "fred", obj["argument"])
	cd, ok := obj["clientData"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "conn-9", cd["clientIdent"])

	data, err = c.GetVariable("fred", nil, "")
	require.NoError(t, err)
	obj = decodeJSON(t, data)
	_, has := obj["clientData"]
	assert.False(t, has)
}

func TestCoderVariableCommands(t *testing.T) {
	c := NewCoder(testLogger(t))

	data, err := c.ListVariables(true, nil)
	require.NoError(t, err)
	obj := decodeJSON(t, data)
	assert.Equal(t, "listVariables", obj["msg"])
	assert.Equal(t, true, obj["delta"])

	ctx := 4
	data, err = c.ToggleVariableWatch(true, &ctx)
	require.NoError(t, err)
	obj = decodeJSON(t, data)
	assert.Equal(t, "toggleVariableWatch", obj["msg"])
	assert.Equal(t, true, obj["watch"])
	assert.Equal(t, float64(4), obj["contextId"])
}

func TestCoderEnvironmentCommands(t *testing.T) {
	c := NewCoder(testLogger(t))

	varName := "env2"
	data, err := c.CreateEnvironment("t-env", 3, &varName)
	require.NoError(t, err)
	obj := decodeJSON(t, data)
	// the engine expects the historical misspelling
	assert.Equal(t, "createEnviornment", obj["msg"])
	assert.Equal(t, "t-env", obj["argument"])
	assert.Equal(t, float64(3), obj["parentId"])
	assert.Equal(t, "env2", obj["varName"])

	data, err = c.ClearEnvironment(5)
	require.NoError(t, err)
	obj = decodeJSON(t, data)
	assert.Equal(t, "clearEnvironment", obj["msg"])
	assert.Equal(t, float64(5), obj["contextId"])

	data, err = c.SaveEnvironment()
	require.NoError(t, err)
	assert.Equal(t, "saveEnv", decodeJSON(t, data)["msg"])
}

func TestCoderSimpleCommands(t *testing.T) {
	c := NewCoder(testLogger(t))

	data, err := c.Help("lm")
	require.NoError(t, err)
	obj := decodeJSON(t, data)
	assert.Equal(t, "help", obj["msg"])
	assert.Equal(t, "lm", obj["argument"])

	data, err = c.Close()
	require.NoError(t, err)
	assert.Equal(t, "close", decodeJSON(t, data)["msg"])
}

func TestCoderPreviewCommands(t *testing.T) {
	c := NewCoder(testLogger(t))

	data, err := c.InitPreview(12, "update-1")
	require.NoError(t, err)
	obj := decodeJSON(t, data)
	assert.Equal(t, "initPreview", obj["msg"])
	assert.Equal(t, float64(12), obj["fileId"])
	assert.Equal(t, "update-1", obj["updateIdentifier"])

	chunk := 2
	data, err = c.UpdatePreview(8, &chunk, true, "update-2")
	require.NoError(t, err)
	obj = decodeJSON(t, data)
	assert.Equal(t, "updatePreview", obj["msg"])
	assert.Equal(t, float64(8), obj["previewId"])
	assert.Equal(t, float64(2), obj["chunkId"])
	assert.Equal(t, true, obj["includePrevious"])

	data, err = c.RemovePreview(8)
	require.NoError(t, err)
	obj = decodeJSON(t, data)
	assert.Equal(t, "removePreview", obj["msg"])
	assert.Equal(t, float64(8), obj["previewId"])
}

func TestQueryIDMonotonic(t *testing.T) {
	c := NewCoder(testLogger(t))
	for i := 1; i <= 5; i++ {
		trans := fmt.Sprintf("t%d", i)
		data, err := c.ExecuteScript(trans, "1+1")
		require.NoError(t, err)
		obj := decodeJSON(t, data)
		assert.Equal(t, float64(i), obj["queryId"])
		qid, ok := c.QueryID(trans)
		require.True(t, ok)
		assert.Equal(t, i, qid)
	}
	_, ok := c.QueryID("never-used")
	assert.False(t, ok)
}

func TestParseResultsCorrelation(t *testing.T) {
	c := NewCoder(testLogger(t))
	_, err := c.ExecuteScript("t1", "2*2")
	require.NoError(t, err)

	rsp, err := c.ParseResponse([]byte(`{"msg":"results","string":"4","is_error":false,"queryId":1}`))
	require.NoError(t, err)
	results, ok := rsp.(*ResultsResponse)
	require.True(t, ok)
	assert.Equal(t, "t1", results.TransactionID)
	assert.Equal(t, "4", results.Output)
	assert.False(t, results.IsError)
}

func TestParseExecComplete(t *testing.T) {
	c := NewCoder(testLogger(t))
	_, err := c.ExecuteFile("t-exec", 44, 1)
	require.NoError(t, err)

	rsp, err := c.ParseResponse([]byte(`{"msg":"execComplete","queryId":1,"expectShowOutput":true,"images":[111,222],"imgBatch":3}`))
	require.NoError(t, err)
	ec, ok := rsp.(*ExecCompleteResponse)
	require.True(t, ok)
	assert.Equal(t, "t-exec", ec.TransactionID)
	assert.True(t, ec.ExpectShowOutput)
	assert.Equal(t, []int64{111, 222}, ec.Images)
	assert.Equal(t, 3, ec.BatchNumber)
}

func TestParseShowOutput(t *testing.T) {
	c := NewCoder(testLogger(t))
	_, err := c.ExecuteScript("t-show", "plot(1)")
	require.NoError(t, err)

	rsp, err := c.ParseResponse([]byte(`{"msg":"showoutput","queryId":1,"fileId":90,"fileName":"plot.pdf","fileVersion":2}`))
	require.NoError(t, err)
	so, ok := rsp.(*ShowOutputResponse)
	require.True(t, ok)
	assert.Equal(t, "t-show", so.TransactionID)
	assert.Equal(t, int64(90), so.FileID)
	assert.Equal(t, "plot.pdf", so.FileName)
}

func TestParseMissingCorrelation(t *testing.T) {
	c := NewCoder(testLogger(t))
	for _, payload := range []string{
		`{"msg":"results","string":"4","is_error":false,"queryId":99}`,
		`{"msg":"execComplete","queryId":99,"expectShowOutput":false}`,
		`{"msg":"showoutput","queryId":99,"fileId":1,"fileName":"f","fileVersion":1}`,
	} {
		_, err := c.ParseResponse([]byte(payload))
		assert.ErrorIs(t, err, ErrRequiredFieldMissing, payload)
	}
}

func TestParseErrorResponse(t *testing.T) {
	c := NewCoder(testLogger(t))
	// errors decode even without a known query id
	rsp, err := c.ParseResponse([]byte(`{"msg":"error","errorCode":101,"errorDetails":"unknown file"}`))
	require.NoError(t, err)
	er, ok := rsp.(*ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, 101, er.ErrorCode)
	assert.Equal(t, "unknown file", er.Details)
	assert.Empty(t, er.TransactionID)

	_, err = c.ExecuteScript("t-err", "stop()")
	require.NoError(t, err)
	rsp, err = c.ParseResponse([]byte(`{"msg":"error","errorCode":12,"errorDetails":"boom","queryId":1}`))
	require.NoError(t, err)
	er = rsp.(*ErrorResponse)
	assert.Equal(t, "t-err", er.TransactionID)
}

func TestParseOpenAndHelp(t *testing.T) {
	c := NewCoder(testLogger(t))

	rsp, err := c.ParseResponse([]byte(`{"msg":"openresponse","success":true}`))
	require.NoError(t, err)
	or, ok := rsp.(*OpenResponse)
	require.True(t, ok)
	assert.True(t, or.Success)

	rsp, err = c.ParseResponse([]byte(`{"msg":"help","topic":"lm","paths":["/usr/lib/R/library/stats/help/lm"]}`))
	require.NoError(t, err)
	hr, ok := rsp.(*HelpResponse)
	require.True(t, ok)
	assert.Equal(t, "lm", hr.Topic)
	assert.Len(t, hr.Paths, 1)
}

func TestParseVariableValue(t *testing.T) {
	c := NewCoder(testLogger(t))
	payload := `{"msg":"variablevalue","name":"x","clientData":{"clientIdent":"conn-3"},
		"value":{"name":"x","class":"numeric vector","primitive":true,"type":"d","length":3,
			"value":[1.5,"Inf",null]}}`
	rsp, err := c.ParseResponse([]byte(payload))
	require.NoError(t, err)
	vv, ok := rsp.(*VariableValueResponse)
	require.True(t, ok)
	assert.Equal(t, "x", vv.Name)
	assert.Equal(t, "conn-3", vv.ClientID)
	require.NotNil(t, vv.Value.Primitive)
	require.Len(t, vv.Value.Primitive.Doubles, 3)
	assert.Nil(t, vv.Value.Primitive.Doubles[2])
}

func TestParseVariableUpdate(t *testing.T) {
	c := NewCoder(testLogger(t))
	payload := `{"msg":"variableupdate","delta":true,"contextId":0,
		"variablesAdded":{"n":{"name":"n","class":"integer vector","primitive":true,"type":"i","length":1,"value":[42]}},
		"variablesRemoved":["old"]}`
	rsp, err := c.ParseResponse([]byte(payload))
	require.NoError(t, err)
	vu, ok := rsp.(*VariableUpdateResponse)
	require.True(t, ok)
	assert.True(t, vu.Delta)
	assert.Equal(t, []string{"old"}, vu.Removed)
	require.Contains(t, vu.Added, "n")
	require.NotNil(t, vu.Added["n"].Primitive)
}

func TestParseBadInput(t *testing.T) {
	c := NewCoder(testLogger(t))

	_, err := c.ParseResponse([]byte(`not json`))
	assert.Error(t, err)

	_, err = c.ParseResponse([]byte(`{"queryId":1}`))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.ParseResponse([]byte(`{"msg":"fortunetelling"}`))
	assert.ErrorIs(t, err, ErrInvalidInput)
}
