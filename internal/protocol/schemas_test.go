package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	helloSchema := compile("hello.schema.json")
	welcomeSchema := compile("welcome.schema.json")
	predictSchema := compile("predict.schema.json")
	predictResultSchema := compile("predict_result.schema.json")
	rolloutSchema := compile("rollout.schema.json")
	rolloutResultSchema := compile("rollout_result.schema.json")
	errorSchema := compile("error.schema.json")

	var hello any
	_ = json.Unmarshal([]byte(`{
	  "type":"HELLO",
	  "protocol_version":"1.0",
	  "client_name":"planner"
	}`), &hello)
	validate(helloSchema, hello)

	var welcome any
	_ = json.Unmarshal([]byte(`{
	  "type":"WELCOME",
	  "protocol_version":"1.0",
	  "session_id":"s-42",
	  "model":{
	    "id":"wm-linear",
	    "version":3,
	    "digest":"deadbeef",
	    "obs_dim":3,
	    "act_dim":2,
	    "ensembles":5,
	    "adapted":true,
	    "fuse_reward":false
	  }
	}`), &welcome)
	validate(welcomeSchema, welcome)

	var predict any
	_ = json.Unmarshal([]byte(`{
	  "type":"PREDICT",
	  "protocol_version":"1.0",
	  "id":"r-1",
	  "obs":[[0.1,0.2,0.3],[1.0,1.1,1.2]],
	  "act":[[0.5,-0.5],[0.0,0.25]],
	  "sample":true
	}`), &predict)
	validate(predictSchema, predict)

	var predictResult any
	_ = json.Unmarshal([]byte(`{
	  "type":"PREDICT_RESULT",
	  "protocol_version":"1.0",
	  "id":"r-1",
	  "model_version":3,
	  "next_obs":[[0.11,0.21,0.31],[1.01,1.11,1.21]],
	  "reward":[-0.5,-1.25],
	  "done":[false,true]
	}`), &predictResult)
	validate(predictResultSchema, predictResult)

	var rollout any
	_ = json.Unmarshal([]byte(`{
	  "type":"ROLLOUT",
	  "protocol_version":"1.0",
	  "id":"r-2",
	  "horizon":2,
	  "particles":3,
	  "initial_states":[[0.0,0.0,0.0]],
	  "actions":[[[0.1,-0.1],[0.2,-0.2]]]
	}`), &rollout)
	validate(rolloutSchema, rollout)

	var rolloutResult any
	_ = json.Unmarshal([]byte(`{
	  "type":"ROLLOUT_RESULT",
	  "protocol_version":"1.0",
	  "id":"r-2",
	  "model_version":3,
	  "states":[[[[0.1,0.1,0.1],[0.2,0.2,0.2]],[[0.1,0.1,0.1],[0.2,0.2,0.2]],[[0.1,0.1,0.1],[0.2,0.2,0.2]]]],
	  "rewards":[[[-1.0,-1.0],[-1.0,-1.0],[-1.0,-1.0]]],
	  "dones":[[[false,false],[false,false],[false,false]]],
	  "mean_return":-2.0
	}`), &rolloutResult)
	validate(rolloutResultSchema, rolloutResult)

	var errMsg any
	_ = json.Unmarshal([]byte(`{
	  "type":"ERROR",
	  "protocol_version":"1.0",
	  "id":"r-3",
	  "code":"E_SHAPE_MISMATCH",
	  "message":"obs rows have width 2, model wants 3"
	}`), &errMsg)
	validate(errorSchema, errMsg)
}
