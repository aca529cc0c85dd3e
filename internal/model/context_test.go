package model

import (
	"bytes"
	"encoding/json"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeContextLaterWritesWin(t *testing.T) {
	merged := MergeContext(
		json.RawMessage(`{"amount": 100, "region": "north"}`),
		json.RawMessage(`{"amount": 250, "approved": true}`),
	)

	var m map[string]interface{}
	assert.NoError(t, json.Unmarshal(merged, &m))
	assert.Equal(t, float64(250), m["amount"])
	assert.Equal(t, "north", m["region"])
	assert.Equal(t, true, m["approved"])
}

func TestMergeContextEmptyInputs(t *testing.T) {
	assert.JSONEq(t, `{}`, string(MergeContext(nil, nil)))
	assert.JSONEq(t, `{"k":1}`, string(MergeContext(nil, json.RawMessage(`{"k":1}`))))
}

func TestCorruptContextDecodesEmptyAndLogs(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(orig) })

	m := ContextMap(json.RawMessage(`{"broken":`))
	assert.Empty(t, m)
	assert.Contains(t, buf.String(), "[context.decode.failed]")
}
