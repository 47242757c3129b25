package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const mergeRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "merge request",
	"type": "object",
	"properties": {
		"labels": {"type": "string", "minLength": 1},
		"points": {"type": "string", "minLength": 1},
		"ndim": {"type": "integer"},
		"wait": {"type": "boolean"}
	},
	"required": ["labels", "points"],
	"additionalProperties": false
}`

// DefaultMergeNdim is used when a merge request does not give ndim.
const DefaultMergeNdim = 3

var (
	mergeSchema     *jsonschema.Schema
	mergeSchemaErr  error
	mergeSchemaOnce sync.Once
)

type mergeRequest struct {
	Labels string `json:"labels"`
	Points string `json:"points"`
	Ndim   *int   `json:"ndim"`
	Wait   bool   `json:"wait"`
}

func getMergeSchema() (*jsonschema.Schema, error) {
	mergeSchemaOnce.Do(func() {
		mergeSchema, mergeSchemaErr = jsonschema.CompileString("merge.json", mergeRequestSchema)
	})
	return mergeSchema, mergeSchemaErr
}

// parseMergeRequest validates a merge request body against its JSON schema
// and decodes it.
func parseMergeRequest(data []byte) (*mergeRequest, error) {
	sch, err := getMergeSchema()
	if err != nil {
		return nil, fmt.Errorf("unable to compile merge request schema: %v", err)
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("merge request is not valid JSON: %v", err)
	}
	if err := sch.Validate(v); err != nil {
		return nil, fmt.Errorf("bad merge request: %v", err)
	}
	var req mergeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unable to decode merge request: %v", err)
	}
	return &req, nil
}

func (req *mergeRequest) ndim() int {
	if req.Ndim == nil {
		return DefaultMergeNdim
	}
	return *req.Ndim
}
